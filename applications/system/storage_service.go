package system

import (
	"context"

	"github.com/csaworkbench/engine/domain/model"
	"github.com/csaworkbench/engine/domain/validation"
	"github.com/csaworkbench/engine/infrastructure/config"
	"github.com/csaworkbench/engine/infrastructure/logging"
	storageengine "github.com/csaworkbench/engine/storage/engine"
)

// storageService lifecycle-wraps the Storage Layer façade (spec §4.1) so
// the Manager opens/closes it in the engine's deterministic start/stop
// order.
type storageService struct {
	cfg        *config.EngineConfig
	validators *validation.Registry
	bus        model.EventPublisher
	log        *logging.Logger
	store      *storageengine.Store
}

func newStorageService(cfg *config.EngineConfig, validators *validation.Registry, bus model.EventPublisher, log *logging.Logger) *storageService {
	return &storageService{cfg: cfg, validators: validators, bus: bus, log: log}
}

func (s *storageService) Name() string { return "storage" }

func (s *storageService) Start(ctx context.Context) error {
	store, err := storageengine.Open(ctx, storageengine.Options{
		KVPath:           s.cfg.Storage.KVPath,
		SQLPath:          s.cfg.Storage.SQLPath,
		CacheCapacity:    int(s.cfg.Storage.CacheCapacityBytes / 1024),
		HistoryCap:       s.cfg.System.StateHistoryLength,
		Validators:       s.validators,
		Bus:              s.bus,
		MaxComponents:    s.cfg.System.MaxComponents,
		MaxRelationships: s.cfg.System.MaxRelationships,
		Logger:           s.log,
	})
	if err != nil {
		return err
	}
	s.store = store
	return nil
}

func (s *storageService) Stop(context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

func (s *storageService) Descriptor() Descriptor {
	return Descriptor{
		Name:         "storage",
		Domain:       "csa.storage",
		Layer:        LayerStorage,
		Capabilities: []string{"store_system", "load_system", "backup", "restore", "schema_migrate"},
	}
}
