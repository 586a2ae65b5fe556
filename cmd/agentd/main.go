// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/agentflow/agentd/internal/api"
	"github.com/agentflow/agentd/internal/api/handlers"
	"github.com/agentflow/agentd/internal/catalog"
	"github.com/agentflow/agentd/internal/config"
	"github.com/agentflow/agentd/internal/eventstore"
	"github.com/agentflow/agentd/internal/events"
	"github.com/agentflow/agentd/internal/relay"
	"github.com/agentflow/agentd/internal/sessionbus"
	"github.com/agentflow/agentd/internal/subprocess"
	"github.com/agentflow/agentd/internal/tunnel"
	"github.com/agentflow/agentd/internal/worktree"
)

var version = "0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		if err := runInit(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	var (
		configPath  string
		host        string
		port        int
		worktreeArg string
		showVersion bool
		debug       bool
	)

	flag.StringVar(&configPath, "config", "", "Path to config file (default: auto-detect)")
	flag.StringVar(&configPath, "c", "", "Path to config file (short)")
	flag.StringVar(&host, "host", "", "HTTP/WS server host (overrides config)")
	flag.IntVar(&port, "port", 0, "HTTP/WS server port (overrides config)")
	flag.StringVar(&worktreeArg, "worktree", "", "Worktree to activate on startup (name or branch)")
	flag.StringVar(&worktreeArg, "w", "", "Worktree to activate on startup (short)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.BoolVar(&showVersion, "v", false, "Show version (short)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if showVersion {
		fmt.Printf("agentd %s\n", version)
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

	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	if err := run(cfg, configPath, worktreeArg, debug); err != nil {
		log.Fatalf("agentd: %v", err)
	}
}

func run(cfg *config.Config, configPath, worktreeArg string, debug bool) error {
	stateDir := cfg.Daemon.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(filepath.Dir(configPath), ".agentd")
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	identity, err := loadOrCreateIdentity(filepath.Join(stateDir, "identity.key"))
	if err != nil {
		return fmt.Errorf("load daemon identity: %w", err)
	}

	machineID, err := loadOrCreateMachineID(filepath.Join(stateDir, "machine-id"))
	if err != nil {
		return fmt.Errorf("load machine id: %w", err)
	}

	eventStore, err := eventstore.Open(filepath.Join(stateDir, "events.db"))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer eventStore.Close()

	catalogStore, err := catalog.Open(filepath.Join(stateDir, "catalog.db"))
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer catalogStore.Close()

	busCapacity := cfg.Daemon.BusCapacity
	if busCapacity == 0 {
		busCapacity = 256
	}
	hub := sessionbus.NewHub(busCapacity)

	procCapacity := cfg.Daemon.MaxAgentProcs
	if procCapacity == 0 {
		procCapacity = subprocess.DefaultRelayPoolSize
	}
	procs := subprocess.NewManager(procCapacity)

	relayInstance := relay.New(procs, hub, eventStore, catalogStore)

	eventBus := events.NewMemoryEventBus(events.MemoryBusConfig{
		HistoryMaxEvents: cfg.Events.History.MaxEvents,
		HistoryMaxAge:    config.ParseDuration(cfg.Events.History.MaxAge, 0),
	})
	defer eventBus.Close()

	repoDir := cfg.Worktree.RepoDir
	if repoDir == "" {
		repoDir = filepath.Dir(configPath)
	}
	createDir := cfg.Worktree.CreateDir
	if createDir == "" {
		createDir = filepath.Dir(repoDir)
	}
	projectName := cfg.Project.Name
	if projectName == "" {
		projectName = filepath.Base(repoDir)
	}

	worktreeManager := worktree.NewManager(worktree.NewRealGitExecutor(), eventBus, cfg.Worktree, repoDir, createDir, projectName)
	if err := worktreeManager.Refresh(); err != nil {
		log.Printf("worktree: initial refresh failed: %v", err)
	}
	if worktreeArg != "" {
		if _, err := worktreeManager.Activate(context.Background(), worktreeArg); err != nil {
			log.Printf("worktree: failed to activate %q: %v", worktreeArg, err)
		}
	}

	tunnelHandler := handlers.NewTunnelHandler(machineID, func(out tunnel.Outbound) *tunnel.Handler {
		return tunnel.NewHandler(machineID, relayInstance, hub, eventStore, out, identity)
	})

	server := api.NewServer(api.ServerConfig{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		TLSCert: cfg.Server.TLSCert,
		TLSKey:  cfg.Server.TLSKey,
	}, api.Dependencies{
		WorktreeManager: worktreeManager,
		EventBus:        eventBus,
		TunnelHandler:   tunnelHandler,
		Version:         version,
	})

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
		return fmt.Errorf("API server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return server.Shutdown(ctx)
}

// loadOrCreateIdentity loads the daemon's persisted X25519 identity key, or
// generates and persists a new one on first run. This is the long-term
// identity key C9 offers in every handshake (see handshake.go's "identity"
// parameter), not the per-connection ephemeral key, which is never written
// to disk.
func loadOrCreateIdentity(path string) (*ecdh.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return ecdh.X25519().NewPrivateKey(raw)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key.Bytes(), 0600); err != nil {
		return nil, fmt.Errorf("persist identity key: %w", err)
	}
	return key, nil
}

// loadOrCreateMachineID loads or generates the stable ID this daemon
// presents to a relay (and to directly-attached clients) across restarts.
func loadOrCreateMachineID(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(raw)), nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("persist machine id: %w", err)
	}
	return id, nil
}

// runInit handles the "agentd init" command, interactively generating an
// agentd.hjson configuration file in the current directory.
func runInit() error {
	initFlags := flag.NewFlagSet("init", flag.ExitOnError)
	showHelp := initFlags.Bool("help", false, "Show help for init command")
	initFlags.BoolVar(showHelp, "h", false, "Show help for init command")
	initFlags.Parse(os.Args[2:])

	if *showHelp {
		fmt.Println(`Usage: agentd init [options]

Create a new agentd.hjson configuration file in the current directory.

Options:
  -h, -help    Show this help message`)
		return nil
	}

	configFile := "agentd.hjson"
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("%s already exists; remove it first or use a different directory", configFile)
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Println("agentd Configuration Setup")
	fmt.Println("==========================")
	fmt.Println()
	fmt.Println("Press Enter to accept defaults shown in [brackets].")
	fmt.Println()

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	defaultName := filepath.Base(cwd)

	projectName := prompt(reader, "Project name", defaultName)

	portStr := prompt(reader, "Daemon server port", "7171")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 7171
	}

	agentCommand := prompt(reader, "Agent CLI command", "claude")
	maxProcsStr := prompt(reader, "Max concurrent agent processes", strconv.Itoa(subprocess.DefaultRelayPoolSize))
	maxProcs, err := strconv.Atoi(maxProcsStr)
	if err != nil {
		maxProcs = subprocess.DefaultRelayPoolSize
	}

	content := generateConfig(projectName, port, agentCommand, maxProcs)
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Println()
	fmt.Printf("Created %s\n", configFile)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Review and edit agentd.hjson as needed")
	fmt.Println("  2. Run: ./agentd")
	fmt.Printf("  3. Connect with: AGENTD_API=http://127.0.0.1:%d agentctl attach\n", port)
	fmt.Println()

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func escapeHJSONValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

func generateConfig(projectName string, port int, agentCommand string, maxProcs int) string {
	var sb strings.Builder

	sb.WriteString(`{
  // =============================================================================
  // agentd Configuration
  // =============================================================================
  //
  // This is an HJSON file (JSON with comments and relaxed syntax).

  project: {
    name: "`)
	sb.WriteString(escapeHJSONValue(projectName))
	sb.WriteString(`"
  }

  // ---------------------------------------------------------------------------
  // Server Settings
  // ---------------------------------------------------------------------------
  server: {
    host: "127.0.0.1"
    port: `)
	sb.WriteString(strconv.Itoa(port))
	sb.WriteString(`

    // For HTTPS, uncomment and set paths to your certificates:
    // tls_cert: "~/.agentd/cert.pem"
    // tls_key: "~/.agentd/key.pem"
  }

  // ---------------------------------------------------------------------------
  // Worktree Configuration
  // ---------------------------------------------------------------------------
  worktree: {
    discovery: {
      mode: "git"
    }
    binaries: {
      path: "{{.Worktree.Root}}/bin"
    }
  }

  // ---------------------------------------------------------------------------
  // Daemon Settings
  // ---------------------------------------------------------------------------
  //
  // Controls the event store, catalog, subprocess pool, and session bus that
  // back every running agent session.
  daemon: {
    state_dir: ".agentd"
    agent_command: "`)
	sb.WriteString(escapeHJSONValue(agentCommand))
	sb.WriteString(`"
    max_agent_procs: `)
	sb.WriteString(strconv.Itoa(maxProcs))
	sb.WriteString(`
    proc_idle_timeout: "10m"
    bus_capacity: 256
    bus_idle_ttl: "30m"
  }

  // ---------------------------------------------------------------------------
  // Orchestration Settings
  // ---------------------------------------------------------------------------
  orchestration: {
    max_concurrent_subagents: 3
    step_timeout: "10m"
    completion_ttl: "1h"
  }

  // ---------------------------------------------------------------------------
  // Tunnel Settings
  // ---------------------------------------------------------------------------
  //
  // Uncomment to customize the end-to-end crypto handshake.
  // tunnel: {
  //   handshake_timeout: "10s"
  //   key_info: "agent-e2e-session-v1"
  // }

  // ---------------------------------------------------------------------------
  // Relay Settings
  // ---------------------------------------------------------------------------
  //
  // Uncomment and run agent-relay against this same config file to reach this
  // daemon from outside its local network.
  // relay: {
  //   listen_addr: ":8443"
  //   state_dir: ".agent-relay"
  //   tls_tailscale: true
  //   unary_timeout: "30s"
  //   buffer_ttl: "24h"
  // }
}
`)

	return sb.String()
}
