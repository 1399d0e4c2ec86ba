package model

import (
	"time"

	"github.com/csaworkbench/engine/domain/validation"
	"github.com/csaworkbench/engine/infrastructure/errors"
)

// Restore rebuilds a System from persisted rows (the Storage Layer's
// load_system), rebuilding the adjacency index and checking I1 and I3-I6 on
// the rehydrated state (I2 is not checked: a repeated id in the input
// replaces the earlier entry). A violation is reported as Corruption, not
// InvariantViolation — the data was accepted once and failing now means the
// persisted record itself is inconsistent.
func Restore(
	id, name, description string,
	createdAt, modifiedAt time.Time,
	metadata map[string]interface{},
	components []*Component,
	relationships []*Relationship,
	historyCap int,
	validators *validation.Registry,
	bus EventPublisher,
) (*System, error) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	if validators == nil {
		validators = validation.NewRegistry()
	}

	s := &System{
		ID:            id,
		Name:          name,
		Description:   description,
		CreatedAt:     createdAt,
		ModifiedAt:    modifiedAt,
		Metadata:      metadata,
		components:    make(map[string]*Component, len(components)),
		relationships: make(map[string]*Relationship, len(relationships)),
		adjacency:     newAdjacencyIndex(),
		historyCap:    historyCap,
		validators:    validators,
		bus:           bus,
	}

	for _, c := range components {
		s.components[c.ID] = c
	}
	for _, r := range relationships {
		s.relationships[r.ID] = r
		s.adjacency.addOut(r.SourceID, r.ID)
		s.adjacency.addIn(r.TargetID, r.ID)
	}

	if err := s.checkInvariantsLocked(); err != nil {
		engineErr := errors.GetEngineError(err)
		if engineErr != nil {
			return nil, errors.Corruption("system", id, engineErr)
		}
		return nil, errors.Corruption("system", id, err)
	}

	return s, nil
}
