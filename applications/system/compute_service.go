package system

import (
	"context"
	"time"

	"github.com/csaworkbench/engine/compute"
	"github.com/csaworkbench/engine/events"
	"github.com/csaworkbench/engine/infrastructure/config"
	"github.com/csaworkbench/engine/infrastructure/logging"
)

// computeService lifecycle-wraps the Compute Engine scheduler (spec §4.5)
// so workers stop accepting new dispatches before storage closes under
// them.
type computeService struct {
	cfg       *config.EngineConfig
	bus       compute.EventPublisher
	log       *logging.Logger
	scheduler *compute.Scheduler
}

func newComputeService(cfg *config.EngineConfig, bus *events.Bus, log *logging.Logger) *computeService {
	return &computeService{cfg: cfg, bus: bus, log: log}
}

func (c *computeService) Name() string { return "compute" }

func (c *computeService) Start(context.Context) error {
	ttl := parseDurationOrDefault(c.cfg.Compute.TaskResultTTL, 15*time.Minute)
	starvation := parseDurationOrDefault(c.cfg.Compute.PromotionThreshold, 30*time.Second)

	c.scheduler = compute.NewScheduler(compute.Config{
		WorkerCount:     c.cfg.Compute.WorkerCount,
		QueueCapacity:   c.cfg.Compute.TaskQueueCapacity,
		ResultTTL:       ttl,
		StarvationAfter: starvation,
		Logger:          c.log,
		Bus:             c.bus,
	})
	return nil
}

func (c *computeService) Stop(context.Context) error {
	if c.scheduler == nil {
		return nil
	}
	c.scheduler.Stop()
	return nil
}

func (c *computeService) Descriptor() Descriptor {
	return Descriptor{
		Name:         "compute",
		Domain:       "csa.compute",
		Layer:        LayerCompute,
		Capabilities: []string{"submit_task", "task_status", "task_result", "cancel_task"},
		DependsOn:    []string{"storage", "events"},
	}
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
