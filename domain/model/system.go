package model

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/csaworkbench/engine/domain/validation"
	"github.com/csaworkbench/engine/infrastructure/errors"
)

// EventPublisher is the minimal event-bus capability the System Model
// needs: publish a topic-tagged payload. Defined here (rather than
// importing the events package) to avoid an import cycle — the concrete
// *events.Bus satisfies this trivially.
type EventPublisher interface {
	Publish(topic string, payload interface{})
}

// Event topics published by the System Model (spec §4.4 taxonomy).
const (
	TopicSystemUpdated       = "SystemUpdated"
	TopicComponentChanged    = "ComponentChanged"
	TopicRelationshipChanged = "RelationshipModified"
	TopicStateChanged        = "StateChanged"
)

// System is the root aggregate: an identity-keyed map of Components, an
// identity-keyed map of Relationships, and a derived AdjacencyIndex.
//
// Mutation is serialized per System (§5): one exclusive writer at a time.
// Every exported mutator follows the copy-apply-validate-commit-or-revert
// protocol of spec §4.2.
type System struct {
	mu sync.RWMutex

	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	ModifiedAt  time.Time
	Metadata    map[string]interface{}

	components    map[string]*Component
	relationships map[string]*Relationship
	adjacency     AdjacencyIndex

	// generation increments on every committed mutation; snapshots record
	// the generation they were taken at so compute tasks never observe a
	// later mutation (spec §8 "snapshots ... do not observe M").
	generation uint64

	historyCap int
	validators *validation.Registry
	bus        EventPublisher

	// maxComponents/maxRelationships are the engine-configured capacity
	// limits (spec §6 system.max_components/max_relationships). Zero means
	// unbounded; set via SetLimits once the System is wired to a config.
	maxComponents    int
	maxRelationships int
}

// SetLimits installs the capacity limits enforced by AddComponent and
// AddRelationship. Not part of NewSystem/Restore's signature so existing
// callers default to unbounded until a config is wired in.
func (s *System) SetLimits(maxComponents, maxRelationships int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxComponents = maxComponents
	s.maxRelationships = maxRelationships
}

// NewSystem constructs an empty System. historyCap bounds new Components'
// ComponentState ring buffers (0 uses DefaultStateHistoryLength).
func NewSystem(id, name, description string, historyCap int, validators *validation.Registry, bus EventPublisher) *System {
	now := time.Now()
	if validators == nil {
		validators = validation.NewRegistry()
	}
	return &System{
		ID:            id,
		Name:          name,
		Description:   description,
		CreatedAt:     now,
		ModifiedAt:    now,
		Metadata:      make(map[string]interface{}),
		components:    make(map[string]*Component),
		relationships: make(map[string]*Relationship),
		adjacency:     newAdjacencyIndex(),
		historyCap:    historyCap,
		validators:    validators,
		bus:           bus,
	}
}

func (s *System) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// Generation returns the current commit generation, used by Snapshot.
func (s *System) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// GetComponent returns a copy of a Component by id, or (nil, false).
func (s *System) GetComponent(id string) (*Component, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.components[id]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// GetRelationship returns a copy of a Relationship by id, or (nil, false).
func (s *System) GetRelationship(id string) (*Relationship, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.relationships[id]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// GetRelationshipsFor returns every Relationship incident to componentID
// (outgoing and incoming), deduplicated by id.
func (s *System) GetRelationshipsFor(componentID string) []*Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []*Relationship
	for relID := range s.adjacency.Out[componentID] {
		if _, ok := seen[relID]; ok {
			continue
		}
		seen[relID] = struct{}{}
		if r, ok := s.relationships[relID]; ok {
			out = append(out, r.clone())
		}
	}
	for relID := range s.adjacency.In[componentID] {
		if _, ok := seen[relID]; ok {
			continue
		}
		seen[relID] = struct{}{}
		if r, ok := s.relationships[relID]; ok {
			out = append(out, r.clone())
		}
	}
	return out
}

// AddComponent inserts a new Component. Fails with Conflict if id is
// already present, InvalidArgument if kind is not one of the five closed kinds.
func (s *System) AddComponent(c *Component) error {
	if !ValidComponentKind(c.Kind) {
		return errors.InvalidArgument("kind", fmt.Sprintf("unknown component kind %q", c.Kind))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.components[c.ID]; exists {
		return errors.Conflict(fmt.Sprintf("component %s already exists", c.ID))
	}
	if s.maxComponents > 0 && len(s.components) >= s.maxComponents {
		return errors.InvariantViolation("capacity", fmt.Sprintf("system %s already holds the configured maximum of %d components", s.ID, s.maxComponents))
	}

	stored := c.clone()
	if stored.State == nil {
		stored.State = NewComponentState(s.historyCap)
	}
	if stored.Properties == nil {
		stored.Properties = make(map[string]interface{})
	}
	if stored.Metadata == nil {
		stored.Metadata = make(map[string]interface{})
	}

	// Tentative apply.
	s.components[c.ID] = stored

	if err := s.checkAndCommit(); err != nil {
		delete(s.components, c.ID)
		return err
	}

	s.publish(TopicComponentChanged, ComponentChangedEvent{SystemID: s.ID, ComponentID: c.ID, Operation: "added"})
	return nil
}

// RemoveComponent deletes a Component and, in the same logical step, every
// Relationship incident to it — no intermediate state in which a dangling
// relationship is externally observable.
func (s *System) RemoveComponent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, ok := s.components[id]
	if !ok {
		return errors.NotFound("component", id)
	}

	incident := s.incidentRelationshipsLocked(id)
	removedRels := make(map[string]*Relationship, len(incident))
	for _, relID := range incident {
		removedRels[relID] = s.relationships[relID]
		s.removeRelationshipLocked(relID)
	}
	delete(s.components, id)

	if err := s.checkAndCommit(); err != nil {
		// revert
		s.components[id] = removed
		for relID, rel := range removedRels {
			s.relationships[relID] = rel
			s.adjacency.addOut(rel.SourceID, relID)
			s.adjacency.addIn(rel.TargetID, relID)
		}
		return err
	}

	s.publish(TopicComponentChanged, ComponentChangedEvent{SystemID: s.ID, ComponentID: id, Operation: "removed"})
	return nil
}

func (s *System) incidentRelationshipsLocked(componentID string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for relID := range s.adjacency.Out[componentID] {
		if _, ok := seen[relID]; !ok {
			seen[relID] = struct{}{}
			ids = append(ids, relID)
		}
	}
	for relID := range s.adjacency.In[componentID] {
		if _, ok := seen[relID]; !ok {
			seen[relID] = struct{}{}
			ids = append(ids, relID)
		}
	}
	return ids
}

func (s *System) removeRelationshipLocked(id string) {
	rel, ok := s.relationships[id]
	if !ok {
		return
	}
	s.adjacency.removeOut(rel.SourceID, id)
	s.adjacency.removeIn(rel.TargetID, id)
	delete(s.relationships, id)
}

// AddRelationship inserts a new Relationship. Fails with Conflict if id
// already exists, InvalidArgument if kind is unknown, NotFound if
// source/target are absent (I1), InvariantViolation(I3) if weight is
// non-finite, InvariantViolation(I4) if a Contains edge would close a cycle, or
// InvariantViolation(I5) if a Contains edge is a self-loop.
func (s *System) AddRelationship(r *Relationship) error {
	if !ValidRelationshipKind(r.Kind) {
		return errors.InvalidArgument("kind", fmt.Sprintf("unknown relationship kind %q", r.Kind))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.relationships[r.ID]; exists {
		return errors.Conflict(fmt.Sprintf("relationship %s already exists", r.ID))
	}
	if _, ok := s.components[r.SourceID]; !ok {
		return errors.NotFound("component", r.SourceID)
	}
	if _, ok := s.components[r.TargetID]; !ok {
		return errors.NotFound("component", r.TargetID)
	}
	if s.maxRelationships > 0 && len(s.relationships) >= s.maxRelationships {
		return errors.InvariantViolation("capacity", fmt.Sprintf("system %s already holds the configured maximum of %d relationships", s.ID, s.maxRelationships))
	}

	stored := r.clone()
	if stored.Properties == nil {
		stored.Properties = make(map[string]interface{})
	}
	if stored.Metadata == nil {
		stored.Metadata = make(map[string]interface{})
	}

	s.relationships[r.ID] = stored
	s.adjacency.addOut(r.SourceID, r.ID)
	s.adjacency.addIn(r.TargetID, r.ID)

	if err := s.checkAndCommit(); err != nil {
		s.removeRelationshipLocked(r.ID)
		return err
	}

	s.publish(TopicRelationshipChanged, RelationshipChangedEvent{SystemID: s.ID, RelationshipID: r.ID, Operation: "added"})
	return nil
}

// RemoveRelationship deletes a Relationship by id.
func (s *System) RemoveRelationship(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rel, ok := s.relationships[id]
	if !ok {
		return errors.NotFound("relationship", id)
	}

	s.removeRelationshipLocked(id)

	if err := s.checkAndCommit(); err != nil {
		s.relationships[id] = rel
		s.adjacency.addOut(rel.SourceID, id)
		s.adjacency.addIn(rel.TargetID, id)
		return err
	}

	s.publish(TopicRelationshipChanged, RelationshipChangedEvent{SystemID: s.ID, RelationshipID: id, Operation: "removed"})
	return nil
}

// UpdateComponentState records a new state sample for a Component. Fails
// with NotFound if the component is absent, InvalidArgument if value is
// non-finite.
func (s *System) UpdateComponentState(componentID string, value float64, status ComponentStatus, at time.Time) error {
	if !isFinite(value) {
		return errors.InvalidArgument("current_value", "must be a finite number")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.components[componentID]
	if !ok {
		return errors.NotFound("component", componentID)
	}

	previous := c.State.clone()
	c.State.push(value, at, status)

	if err := s.checkAndCommit(); err != nil {
		c.State = previous
		return err
	}

	s.publish(TopicStateChanged, StateChangedEvent{SystemID: s.ID, ComponentID: componentID, Value: value, Status: status})
	return nil
}

// checkAndCommit runs the mandatory invariants and all registered
// Error-severity validation rules against the tentative in-place state.
// On success it bumps the generation counter, updates ModifiedAt, and
// publishes SystemUpdated. On failure it returns the error WITHOUT
// reverting — callers are responsible for undoing their specific tentative
// change, since they alone know what it was.
func (s *System) checkAndCommit() error {
	if err := s.checkInvariantsLocked(); err != nil {
		return err
	}
	if findings := s.validators.RunErrorsOnly(s); len(findings) > 0 {
		return errors.InvariantViolation(findings[0].RuleID, findings[0].Message)
	}

	s.generation++
	s.ModifiedAt = time.Now()
	s.publish(TopicSystemUpdated, SystemUpdatedEvent{SystemID: s.ID, Generation: s.generation})
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Validate runs the full Validation Engine registry (all severities)
// against the System's current committed state, for the on-demand
// `validate_system` command.
func (s *System) Validate() validation.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validators.Run(s)
}

// --- validation.Context implementation -------------------------------------

func (s *System) Components() map[string]validation.ComponentView {
	out := make(map[string]validation.ComponentView, len(s.components))
	for id, c := range s.components {
		out[id] = componentView{c}
	}
	return out
}

func (s *System) Relationships() map[string]validation.RelationshipView {
	out := make(map[string]validation.RelationshipView, len(s.relationships))
	for id, r := range s.relationships {
		out[id] = relationshipView{r}
	}
	return out
}

type componentView struct{ c *Component }

func (v componentView) ID() string                            { return v.c.ID }
func (v componentView) Kind() string                           { return string(v.c.Kind) }
func (v componentView) Properties() map[string]interface{}     { return v.c.Properties }

type relationshipView struct{ r *Relationship }

func (v relationshipView) ID() string                        { return v.r.ID }
func (v relationshipView) SourceID() string                  { return v.r.SourceID }
func (v relationshipView) TargetID() string                  { return v.r.TargetID }
func (v relationshipView) Kind() string                       { return string(v.r.Kind) }
func (v relationshipView) Weight() float64                   { return v.r.Weight }
func (v relationshipView) Properties() map[string]interface{} { return v.r.Properties }
