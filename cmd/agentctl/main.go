// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// agentctl is a command-line tool for controlling and attaching to a
// running agentd daemon.
package main

import (
	"bufio"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentflow/agentd/internal/bridge"
	ptycrypto "github.com/agentflow/agentd/internal/crypto"
	"github.com/agentflow/agentd/internal/subprocess"
	"github.com/agentflow/agentd/internal/tunnel"
	"github.com/agentflow/agentd/pkg/client"
)

var (
	version    = "0.1"
	apiURL     = "http://localhost:7171"
	jsonOutput = false

	apiClient *client.Client
)

func main() {
	if env := os.Getenv("AGENTD_API"); env != "" {
		apiURL = strings.TrimSuffix(env, "/")
	}

	var filteredArgs []string
	for _, arg := range os.Args[1:] {
		if arg == "-json" {
			jsonOutput = true
		} else {
			filteredArgs = append(filteredArgs, arg)
		}
	}

	apiClient = client.New(apiURL)

	if len(filteredArgs) < 1 {
		printUsage()
		os.Exit(1)
	}

	cmd := filteredArgs[0]
	args := filteredArgs[1:]

	var err error
	switch cmd {
	case "worktree":
		err = cmdWorktree(args)
	case "events":
		err = cmdEvents(args)
	case "attach":
		err = cmdAttach(args)
	case "version", "-v", "--version":
		fmt.Printf("agentctl %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`agentctl - Control and attach to a running agentd daemon

Usage:
  agentctl [-json] <command> [arguments]

Global Flags:
  -json          Output in JSON format

Environment:
  AGENTD_API     Base URL of the daemon's local API (default: http://localhost:7171)

Commands:
  worktree list            List all worktrees
  worktree activate <name> Activate a worktree

  events [-n N]            Show recent events (default: 50)

  attach [options]         Start (or resume) an interactive agent session
    -resume <session-id>   Resume an existing session instead of starting one
    -prompt <text>          Initial prompt for a new session
    -model <name>           Model override passed to the agent
    -cmd <binary>           Agent CLI binary (default: daemon's configured default)
    -permission <mode>      prompt_tool_stdio (default) | allowed_tools | skip_permissions
    -allowed-tools <list>   Comma-separated tool allowlist (with -permission allowed_tools)
    -ws <url>               Tunnel WebSocket URL (default: derived from AGENTD_API)

  version                  Show version
  help                     Show this help`)
}

func printJSON(v interface{}) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func cmdWorktree(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: agentctl worktree <list|activate> [args]")
	}

	switch args[0] {
	case "list":
		return cmdWorktreeList()
	case "activate":
		return cmdWorktreeActivate(args[1:])
	default:
		return fmt.Errorf("unknown worktree subcommand: %s", args[0])
	}
}

func cmdWorktreeList() error {
	ctx := context.Background()
	worktrees, err := apiClient.Worktrees.List(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(worktrees)
		return nil
	}

	fmt.Printf("%-20s %-20s %-8s %-20s %s\n", "NAME", "BRANCH", "ACTIVE", "STATUS", "PATH")
	fmt.Println(strings.Repeat("-", 100))
	for _, wt := range worktrees {
		active := ""
		if wt.Active {
			active = "*"
		}
		fmt.Printf("%-20s %-20s %-8s %-20s %s\n", wt.Name(), wt.Branch, active, formatWorktreeStatus(wt), wt.Path)
	}
	return nil
}

// formatWorktreeStatus builds a compact status string for a worktree.
func formatWorktreeStatus(wt client.Worktree) string {
	var parts []string
	if wt.Dirty {
		parts = append(parts, "dirty")
	}
	if wt.Ahead > 0 {
		parts = append(parts, fmt.Sprintf("↑%d", wt.Ahead))
	}
	if wt.Behind > 0 {
		parts = append(parts, fmt.Sprintf("↓%d", wt.Behind))
	}
	if wt.Detached {
		parts = append(parts, "detached")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}

func cmdWorktreeActivate(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: agentctl worktree activate <name>")
	}

	ctx := context.Background()
	name := args[0]
	if !jsonOutput {
		fmt.Printf("Activating worktree: %s\n", name)
	}

	result, err := apiClient.Worktrees.Activate(ctx, name)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(result)
		return nil
	}

	fmt.Printf("Activated %s (%s) in %s\n", result.Worktree.Name(), result.Worktree.Branch, result.Duration)
	return nil
}

func cmdEvents(args []string) error {
	limit := 50
	for i := 0; i < len(args); i++ {
		if args[i] == "-n" && i+1 < len(args) {
			if n, err := strconv.Atoi(args[i+1]); err == nil && n > 0 {
				limit = n
			}
			i++
		}
	}

	ctx := context.Background()
	events, err := apiClient.Events.List(ctx, &client.ListOptions{Limit: limit})
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(events)
		return nil
	}

	fmt.Printf("%-25s %-25s %-15s %s\n", "TIME", "TYPE", "WORKTREE", "DETAILS")
	fmt.Println(strings.Repeat("-", 100))
	for _, evt := range events {
		var details []string
		for k, v := range evt.Payload {
			details = append(details, fmt.Sprintf("%s=%v", k, v))
		}
		fmt.Printf("%-25s %-25s %-15s %s\n",
			evt.Timestamp.Format("2006-01-02 15:04:05"), evt.Type, evt.Worktree, strings.Join(details, " "))
	}
	return nil
}

// attachOptions holds the flags parsed by cmdAttach.
type attachOptions struct {
	resumeID      string
	prompt        string
	model         string
	command       string
	permission    string
	allowedTools  string
	wsURL         string
}

func parseAttachArgs(args []string) (*attachOptions, error) {
	opts := &attachOptions{permission: "prompt_tool_stdio"}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-resume":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("-resume requires a session id")
			}
			opts.resumeID = args[i]
		case "-prompt":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("-prompt requires text")
			}
			opts.prompt = args[i]
		case "-model":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("-model requires a name")
			}
			opts.model = args[i]
		case "-cmd":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("-cmd requires a binary name")
			}
			opts.command = args[i]
		case "-permission":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("-permission requires a mode")
			}
			opts.permission = args[i]
		case "-allowed-tools":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("-allowed-tools requires a list")
			}
			opts.allowedTools = args[i]
		case "-ws":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("-ws requires a url")
			}
			opts.wsURL = args[i]
		default:
			return nil, fmt.Errorf("unknown attach flag: %s", args[i])
		}
	}
	return opts, nil
}

// tunnelWSURL derives the /tunnel WebSocket URL from the REST base URL.
func tunnelWSURL(base string) string {
	ws := strings.Replace(base, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	return strings.TrimSuffix(ws, "/") + "/tunnel"
}

// cmdAttach dials the daemon's tunnel, negotiates a crypto session, starts
// (or resumes) a conversation, and streams events to the terminal while
// forwarding stdin lines as user turns.
func cmdAttach(args []string) error {
	opts, err := parseAttachArgs(args)
	if err != nil {
		return err
	}

	wsURL := opts.wsURL
	if wsURL == "" {
		wsURL = tunnelWSURL(apiURL)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{})
	if err != nil {
		return fmt.Errorf("dial tunnel: %w", err)
	}
	defer conn.Close()

	session, fingerprint, err := exchangeKeys(conn)
	if err != nil {
		return fmt.Errorf("key exchange: %w", err)
	}
	if fingerprint != "" {
		fmt.Fprintf(os.Stderr, "agentctl: daemon identity fingerprint %s\n", fingerprint)
	}

	requestID := uuid.NewString()
	sessionID := opts.resumeID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	cols, rows := terminalSize()
	metadata := map[string]string{
		"term_cols": strconv.Itoa(cols),
		"term_rows": strconv.Itoa(rows),
	}

	if opts.resumeID != "" {
		req := tunnel.AgentRequest{ResumeSession: &tunnel.ResumeSessionMsg{SessionID: opts.resumeID, FromSequence: 0}}
		if err := sendRequestFrame(conn, session, requestID, tunnel.MethodResumeSession, req, metadata); err != nil {
			return err
		}
	} else {
		perm := subprocess.PermissionStrategy{Mode: subprocess.PermissionMode(opts.permission)}
		if opts.allowedTools != "" {
			perm.AllowedTools = strings.Split(opts.allowedTools, ",")
		}
		start := &tunnel.StartConversation{
			SessionID:  sessionID,
			Command:    opts.command,
			Prompt:     opts.prompt,
			Model:      opts.model,
			Permission: perm,
		}
		req := tunnel.AgentRequest{StartConversation: start}
		if err := sendRequestFrame(conn, session, requestID, tunnel.MethodConverse, req, metadata); err != nil {
			return err
		}
		if opts.prompt != "" {
			userReq := tunnel.AgentRequest{UserMessage: &tunnel.UserMessageMsg{Content: opts.prompt}}
			if err := sendStreamDataFrame(conn, session, requestID, userReq); err != nil {
				return err
			}
		}
	}

	done := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go readStdinLoop(conn, session, requestID, opts.resumeID == "", done)

	go func() {
		<-sigCh
		req := tunnel.AgentRequest{Cancel: &tunnel.CancelMsg{Reason: "client interrupted"}}
		sendStreamDataFrame(conn, session, requestID, req)
	}()

	return readEventLoop(conn, session)
}

func terminalSize() (cols, rows int) {
	ws, err := pty.GetsizeFull(os.Stdin)
	if err != nil {
		return 80, 24
	}
	return int(ws.Cols), int(ws.Rows)
}

// exchangeKeys performs the ExchangeKeys handshake using a fresh ephemeral
// identity scoped to this one connection.
func exchangeKeys(conn *websocket.Conn) (*ptycrypto.Session, string, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate ephemeral key: %w", err)
	}

	reqBody, err := json.Marshal(tunnel.KeyExchangeRequest{EphemeralPublic: priv.PublicKey().Bytes()})
	if err != nil {
		return nil, "", err
	}

	requestID := uuid.NewString()
	frame := tunnel.TunnelFrame{
		RequestID: requestID,
		Type:      tunnel.FrameRequest,
		Payload: &tunnel.StreamPayload{
			Method:    tunnel.MethodExchangeKeys,
			Encrypted: &tunnel.EncryptedPayload{Ciphertext: reqBody},
		},
	}
	if err := conn.WriteJSON(frame); err != nil {
		return nil, "", err
	}

	var reply tunnel.TunnelFrame
	if err := conn.ReadJSON(&reply); err != nil {
		return nil, "", err
	}
	if reply.Type == tunnel.FrameError {
		return nil, "", fmt.Errorf("daemon rejected key exchange: %s", reply.ErrorMessage)
	}
	if reply.Payload == nil || reply.Payload.Encrypted == nil {
		return nil, "", fmt.Errorf("malformed key exchange response")
	}

	var resp tunnel.KeyExchangeResponse
	if err := json.Unmarshal(reply.Payload.Encrypted.Ciphertext, &resp); err != nil {
		return nil, "", err
	}

	peerPublic, err := ecdh.X25519().NewPublicKey(resp.EphemeralPublic)
	if err != nil {
		return nil, "", fmt.Errorf("invalid peer ephemeral key: %w", err)
	}

	session, err := ptycrypto.NewFromKeyExchange(priv, peerPublic)
	if err != nil {
		return nil, "", fmt.Errorf("derive session: %w", err)
	}

	return session, resp.Fingerprint, nil
}

// sendRequestFrame double-encrypts req (application layer, then tunnel
// layer) and sends it as a Request frame for method.
func sendRequestFrame(conn *websocket.Conn, session *ptycrypto.Session, requestID, method string, req tunnel.AgentRequest, metadata map[string]string) error {
	enc, err := doubleEncrypt(session, req)
	if err != nil {
		return err
	}
	frame := tunnel.TunnelFrame{
		RequestID: requestID,
		Type:      tunnel.FrameRequest,
		Payload:   &tunnel.StreamPayload{Method: method, Encrypted: enc, Metadata: metadata},
	}
	return conn.WriteJSON(frame)
}

// sendStreamDataFrame double-encrypts req and sends it as a follow-on
// StreamData frame on an already-established Converse request.
func sendStreamDataFrame(conn *websocket.Conn, session *ptycrypto.Session, requestID string, req tunnel.AgentRequest) error {
	enc, err := doubleEncrypt(session, req)
	if err != nil {
		return err
	}
	frame := tunnel.TunnelFrame{
		RequestID: requestID,
		Type:      tunnel.FrameStreamData,
		Payload:   &tunnel.StreamPayload{Encrypted: enc},
	}
	return conn.WriteJSON(frame)
}

// doubleEncrypt wraps req at the application layer, then wraps that
// envelope again at the tunnel layer, mirroring the daemon handler's
// decodeAgentRequest/decryptPayload pairing.
func doubleEncrypt(session *ptycrypto.Session, req tunnel.AgentRequest) (*tunnel.EncryptedPayload, error) {
	innerPlain, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	appEnc, err := session.Encrypt(innerPlain)
	if err != nil {
		return nil, err
	}
	wrapped := tunnel.AgentRequest{Encrypted: &tunnel.EncryptedPayload{Ciphertext: appEnc.Ciphertext, Nonce: appEnc.Nonce[:]}}
	outerPlain, err := json.Marshal(wrapped)
	if err != nil {
		return nil, err
	}
	frameEnc, err := session.Encrypt(outerPlain)
	if err != nil {
		return nil, err
	}
	return &tunnel.EncryptedPayload{Ciphertext: frameEnc.Ciphertext, Nonce: frameEnc.Nonce[:]}, nil
}

// readStdinLoop forwards terminal lines as user turns while the session is
// live. When resuming a finished session (replay-only), stdin is not read.
func readStdinLoop(conn *websocket.Conn, session *ptycrypto.Session, requestID string, interactive bool, done <-chan struct{}) {
	if !interactive {
		return
	}
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-done:
			return
		default:
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		req := tunnel.AgentRequest{UserMessage: &tunnel.UserMessageMsg{Content: line}}
		if err := sendStreamDataFrame(conn, session, requestID, req); err != nil {
			return
		}
	}
}

// readEventLoop reads frames until StreamEnd, printing each agent event.
func readEventLoop(conn *websocket.Conn, session *ptycrypto.Session) error {
	for {
		var frame tunnel.TunnelFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return err
			}
			return nil
		}

		switch frame.Type {
		case tunnel.FrameError:
			fmt.Fprintf(os.Stderr, "agentctl: daemon error: %s\n", frame.ErrorMessage)
		case tunnel.FrameStreamEnd:
			return nil
		case tunnel.FrameStreamData:
			if frame.Payload == nil || frame.Payload.Encrypted == nil {
				continue
			}
			ev, err := decodeAgentEvent(session, frame.Payload.Encrypted)
			if err != nil {
				fmt.Fprintf(os.Stderr, "agentctl: decode event: %v\n", err)
				continue
			}
			printEvent(ev)
		}
	}
}

// decodeAgentEvent undoes the tunnel-layer then application-layer
// encryption a StreamData frame carries.
func decodeAgentEvent(session *ptycrypto.Session, enc *tunnel.EncryptedPayload) (*bridge.Event, error) {
	outerPlain, err := session.Decrypt(enc.Ciphertext, enc.Nonce)
	if err != nil {
		return nil, err
	}
	var appEvent tunnel.AgentEvent
	if err := json.Unmarshal(outerPlain, &appEvent); err != nil {
		return nil, err
	}
	if appEvent.Event != nil {
		return appEvent.Event, nil
	}
	if appEvent.Encrypted == nil {
		return nil, fmt.Errorf("empty agent event")
	}
	innerPlain, err := session.Decrypt(appEvent.Encrypted.Ciphertext, appEvent.Encrypted.Nonce)
	if err != nil {
		return nil, err
	}
	var ev bridge.Event
	if err := json.Unmarshal(innerPlain, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// printEvent renders one agent event to the terminal.
func printEvent(ev *bridge.Event) {
	switch ev.Kind {
	case bridge.KindSessionInfo:
		fmt.Printf("[session %s, model %s, cwd %s]\n", ev.SessionID, ev.Model, ev.Cwd)
	case bridge.KindTextDelta:
		fmt.Print(ev.Text)
	case bridge.KindToolCallStart:
		fmt.Printf("\n→ %s: %s\n", ev.ToolName, ev.Description)
	case bridge.KindToolCallResult:
		if ev.IsError {
			fmt.Printf("✗ %s failed\n", ev.ToolName)
		} else {
			fmt.Printf("✓ %s\n", ev.ToolName)
		}
	case bridge.KindStatusChange:
		fmt.Fprintf(os.Stderr, "[%s]\n", ev.Status)
	case bridge.KindErrorEvent:
		fmt.Fprintf(os.Stderr, "\nerror: %s\n", ev.ErrorMessage)
	case bridge.KindUsageReport:
		fmt.Fprintf(os.Stderr, "[usage: %d in / %d out, $%.4f]\n", ev.InputTokens, ev.OutputTokens, ev.CostUSD)
	case bridge.KindTurnComplete:
		fmt.Println()
	case bridge.KindUserQuestion, bridge.KindPermissionRequest:
		fmt.Printf("\n? %s\n", ev.Question)
	}
}
