// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentflow/agentd/internal/catalog"
	"github.com/agentflow/agentd/internal/config"
	"github.com/agentflow/agentd/internal/relayserver"
	"github.com/agentflow/agentd/internal/tunnel"
)

var version = "0.1.0"

func main() {
	var (
		configPath  string
		listenAddr  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to config file (default: auto-detect)")
	flag.StringVar(&configPath, "c", "", "Path to config file (short)")
	flag.StringVar(&listenAddr, "listen", "", "Public listen address (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.BoolVar(&showVersion, "v", false, "Show version (short)")
	flag.Parse()

	if showVersion {
		fmt.Printf("agent-relay %s\n", version)
		os.Exit(0)
	}

	if configPath == "" {
		loader := config.NewLoader()
		found, err := loader.FindConfig()
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		configPath = found
	}

	log.Printf("Using config: %s", configPath)

	loader := config.NewLoader()
	cfg, err := loader.LoadWithDefaults(context.Background(), configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if listenAddr != "" {
		cfg.Relay.ListenAddr = listenAddr
	}

	if err := run(cfg, configPath); err != nil {
		log.Fatalf("agent-relay: %v", err)
	}
}

func run(cfg *config.Config, configPath string) error {
	if cfg.Relay.ListenAddr == "" {
		return fmt.Errorf("relay.listen_addr is not configured")
	}

	stateDir := cfg.Relay.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(filepath.Dir(configPath), ".agent-relay")
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	store, err := catalog.OpenRelayStore(filepath.Join(stateDir, "relay.db"))
	if err != nil {
		return fmt.Errorf("open relay store: %w", err)
	}
	defer store.Close()

	registry := tunnel.NewRegistry()

	relayCfg := relayserver.Config{
		ListenAddr:     cfg.Relay.ListenAddr,
		TLSTailscale:   cfg.Relay.TLSTailscale,
		TLSCert:        cfg.Relay.TLSCert,
		TLSKey:         cfg.Relay.TLSKey,
		UnaryTimeout:   config.ParseDuration(cfg.Relay.UnaryTimeout, defaultUnaryTimeout),
		BufferTTL:      config.ParseDuration(cfg.Relay.BufferTTL, defaultBufferTTL),
		BufferPriority: 0,
	}

	server := relayserver.NewServer(relayCfg, registry, store)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down", sig)
	case err := <-errCh:
		return fmt.Errorf("relay server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return server.Shutdown(ctx)
}

const (
	defaultUnaryTimeout = 30 * time.Second
	defaultBufferTTL    = 24 * time.Hour
)
