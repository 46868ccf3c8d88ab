// Package main runs collabd, the collaborative synchronization server:
// websocket gateway, room registry, presence tracker and change merge
// pipeline over a shared fan-out bus.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pactdesk/collab/internal/auth"
	"github.com/pactdesk/collab/internal/bus"
	"github.com/pactdesk/collab/internal/config"
	"github.com/pactdesk/collab/internal/gateway"
	"github.com/pactdesk/collab/internal/logging"
	"github.com/pactdesk/collab/internal/merge"
	"github.com/pactdesk/collab/internal/notify"
	"github.com/pactdesk/collab/internal/presence"
	"github.com/pactdesk/collab/internal/room"
	"github.com/pactdesk/collab/internal/store"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("Failed to load configuration", err)
		os.Exit(1)
	}

	logging.Init(os.Stdout, cfg.LogLevel)
	logging.Info("Starting collabd", map[string]interface{}{
		"version":     Version,
		"listen_addr": cfg.ListenAddr,
	})

	docs, err := store.OpenSQLite(cfg.DataDir)
	if err != nil {
		logging.Error("Failed to open document store", err)
		os.Exit(1)
	}
	defer docs.Close()

	eventBus := bus.NewMemoryBus()
	defer eventBus.Close()

	notifier := notify.New(eventBus)
	engine := merge.NewEngine(docs, eventBus, nil, notifier)

	// Authorization is permissive until the contract service's ACL export
	// is wired in; the JWT gate still decides who gets a session at all.
	registry := room.NewRegistry(eventBus, docs, engine, auth.AllowAll{}, cfg.Locks.TTL)
	notifier.Bind(registry)

	tracker := presence.NewTracker(eventBus, registry, presence.Config{
		IdleAfter:     cfg.Presence.IdleAfter,
		SweepInterval: cfg.Presence.SweepInterval,
		TypingTTL:     cfg.Presence.TypingTTL,
	})
	tracker.Start()
	defer tracker.Stop()

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	gw := gateway.NewServer(verifier, registry, tracker, eventBus)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/debug/connections", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(gw.ActiveConnections()); err != nil {
			logging.Error("Failed to encode connection snapshot", err)
		}
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logging.Error("Server terminated", err)
		os.Exit(1)
	case sig := <-stop:
		logging.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logging.Error("Graceful shutdown failed", err)
	}
}
