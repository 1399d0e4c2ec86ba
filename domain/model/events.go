package model

// Event payloads published by the System Model. Each carries enough
// identity to let a subscriber re-fetch current state via the command
// surface rather than trusting a potentially stale embedded copy.

type SystemUpdatedEvent struct {
	SystemID   string `json:"system_id"`
	Generation uint64 `json:"generation"`
}

type ComponentChangedEvent struct {
	SystemID    string `json:"system_id"`
	ComponentID string `json:"component_id"`
	Operation   string `json:"operation"` // "added" | "removed"
}

type RelationshipChangedEvent struct {
	SystemID       string `json:"system_id"`
	RelationshipID string `json:"relationship_id"`
	Operation      string `json:"operation"` // "added" | "removed"
}

type StateChangedEvent struct {
	SystemID    string          `json:"system_id"`
	ComponentID string          `json:"component_id"`
	Value       float64         `json:"value"`
	Status      ComponentStatus `json:"status"`
}
