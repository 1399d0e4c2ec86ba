package model

import "github.com/csaworkbench/engine/infrastructure/errors"

// checkInvariantsLocked verifies I1 and I3-I6 against the tentative in-place
// state. I2 (unique ids) is not checked here: components and relationships
// are keyed by id, and AddComponent/AddRelationship reject a duplicate id
// with Conflict before mutating. I7 (bounded history) is enforced inline by
// ComponentState.push and is not re-checked here. Caller holds s.mu.
func (s *System) checkInvariantsLocked() error {
	if err := s.checkReferentialLocked(); err != nil {
		return err
	}
	if err := s.checkFinitenessLocked(); err != nil {
		return err
	}
	if err := s.checkContainmentAcyclicLocked(); err != nil {
		return err
	}
	if err := s.checkAdjacencyConsistencyLocked(); err != nil {
		return err
	}
	return nil
}

// checkReferentialLocked enforces I1 (every relationship's endpoints exist
// in this system) and I5 (a Contains edge's source and target differ).
func (s *System) checkReferentialLocked() error {
	for id, r := range s.relationships {
		if _, ok := s.components[r.SourceID]; !ok {
			return errors.InvariantViolation("I1", "relationship "+id+" references missing source component "+r.SourceID)
		}
		if _, ok := s.components[r.TargetID]; !ok {
			return errors.InvariantViolation("I1", "relationship "+id+" references missing target component "+r.TargetID)
		}
		if r.Kind == RelContains && r.SourceID == r.TargetID {
			return errors.InvariantViolation("I5", "contains relationship "+id+" is a self-loop")
		}
	}
	return nil
}

// checkFinitenessLocked enforces I3: relationship weight is finite.
func (s *System) checkFinitenessLocked() error {
	for id, r := range s.relationships {
		if !isFinite(r.Weight) {
			return errors.InvariantViolation("I3", "relationship "+id+" has a non-finite weight")
		}
	}
	return nil
}

// checkContainmentAcyclicLocked enforces I4: the Contains subgraph is a forest.
func (s *System) checkContainmentAcyclicLocked() error {
	adj := make(map[string][]string)
	for _, r := range s.relationships {
		if r.Kind == RelContains {
			adj[r.SourceID] = append(adj[r.SourceID], r.TargetID)
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(s.components))

	var visit func(node string) error
	visit = func(node string) error {
		color[node] = gray
		for _, next := range adj[node] {
			switch color[next] {
			case gray:
				return errors.InvariantViolation("I4", "containment cycle detected at component "+next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[node] = black
		return nil
	}

	for id := range s.components {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkAdjacencyConsistencyLocked enforces I6: the adjacency index exactly
// mirrors the relationship set. This is a safety net over the incremental
// maintenance performed by AddRelationship/RemoveRelationship.
func (s *System) checkAdjacencyConsistencyLocked() error {
	want := newAdjacencyIndex()
	for id, r := range s.relationships {
		want.addOut(r.SourceID, id)
		want.addIn(r.TargetID, id)
	}

	if !adjacencyEqual(want.Out, s.adjacency.Out) || !adjacencyEqual(want.In, s.adjacency.In) {
		return errors.InvariantViolation("I6", "adjacency index does not mirror the relationship set")
	}
	return nil
}

func adjacencyEqual(a, b map[string]map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, setA := range a {
		setB, ok := b[k]
		if !ok || len(setA) != len(setB) {
			return false
		}
		for id := range setA {
			if _, ok := setB[id]; !ok {
				return false
			}
		}
	}
	return true
}
