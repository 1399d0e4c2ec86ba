// Package main is the CSA workbench engine entry point: it boots the
// process-wide Engine (storage, events, compute), binds the command
// surface over HTTP, and shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/csaworkbench/engine/api"
	"github.com/csaworkbench/engine/applications/system"
	"github.com/csaworkbench/engine/infrastructure/config"
	"github.com/csaworkbench/engine/infrastructure/middleware"
)

func main() {
	configPath := flag.String("config", "", "path to engine config file (optional, falls back to defaults)")
	flag.Parse()

	cfg := config.LoadEngineConfigOrDefault()
	if *configPath != "" {
		loaded, err := config.LoadEngineConfigFromPath(*configPath)
		if err != nil {
			log.Fatalf("loading config from %s: %v", *configPath, err)
		}
		cfg = loaded
	}

	engine, err := system.NewEngine(cfg)
	if err != nil {
		log.Fatalf("constructing engine: %v", err)
	}

	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		log.Fatalf("starting engine: %v", err)
	}

	var server *http.Server
	if cfg.HTTP.Enabled {
		srv := api.NewServer(engine)
		server = &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.HTTP.Port),
			Handler:           srv.Handler(),
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			log.Printf("csa engine listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("server error: %v", err)
			}
		}()
	}

	shutdown := middleware.NewGracefulShutdown(server, 30*time.Second)
	shutdown.OnShutdown(func() {
		stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := engine.Stop(stopCtx); err != nil {
			log.Printf("engine shutdown error: %v", err)
		}
	})
	shutdown.ListenForSignals()
	shutdown.Wait()
}
