// Package rpcserver implements the per-session Unix-domain control socket
// (spec.md §4.6, §6): one newline-delimited-JSON rendezvous point per live
// session, serving both the modern command surface (send, subscribe,
// get_message, get_summary, clear, abort) and the legacy action-tagged
// surface that on-disk tooling still consumes.
package rpcserver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/micic-mihajlo/talonbot-sub000/internal/alias"
	"github.com/micic-mihajlo/talonbot-sub000/internal/bus"
	"github.com/micic-mihajlo/talonbot-sub000/internal/health"
	"github.com/micic-mihajlo/talonbot-sub000/internal/session"
)

// maxLineBytes bounds one command line; spec.md §6 requires rejecting lines
// over a configured limit with a parse error rather than growing unbounded.
const maxLineBytes = 1 << 20

// SessionProvider resolves or creates the Session backing a socket
// connection. *controlplane.ControlPlane satisfies this via EnsureSession.
type SessionProvider interface {
	EnsureSession(sessionKey string) *session.Session
}

// Manager owns one Unix-domain listener per live session key, rooted at
// {CONTROL_SOCKET_PATH dir}/session-control.
type Manager struct {
	dir      string
	sessions SessionProvider
	bus      *bus.Bus
	aliases  *alias.Registry
	logger   *slog.Logger

	mu        sync.Mutex
	listeners map[string]net.Listener

	healthMu    sync.RWMutex
	fingerprint string
	healthFunc  func() health.Snapshot
}

// NewManager constructs a Manager. socketDir is created on first use.
func NewManager(socketDir string, sessions SessionProvider, b *bus.Bus, aliases *alias.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:       socketDir,
		sessions:  sessions,
		bus:       b,
		aliases:   aliases,
		logger:    logger,
		listeners: map[string]net.Listener{},
	}
}

// SetFingerprint records the running config's fingerprint, surfaced by the
// legacy "health" action so on-disk tooling can detect a config change
// without restarting the daemon. Safe to call before or after Start.
func (m *Manager) SetFingerprint(fingerprint string) {
	m.healthMu.Lock()
	m.fingerprint = fingerprint
	m.healthMu.Unlock()
}

// SetHealthSnapshotFunc installs the Health Monitor hook the legacy "health"
// action consults. fn is called synchronously per request, so it must not
// block; nil disables the snapshot fields (the default, minimal response).
func (m *Manager) SetHealthSnapshotFunc(fn func() health.Snapshot) {
	m.healthMu.Lock()
	m.healthFunc = fn
	m.healthMu.Unlock()
}

func (m *Manager) healthData() (fingerprint string, snap *health.Snapshot) {
	m.healthMu.RLock()
	defer m.healthMu.RUnlock()
	fingerprint = m.fingerprint
	if m.healthFunc != nil {
		s := m.healthFunc()
		snap = &s
	}
	return fingerprint, snap
}

func (m *Manager) socketPath(sessionKey string) string {
	return filepath.Join(m.dir, alias.SocketFileName(sessionKey))
}

// EnsureSocket starts the listener for sessionKey if one isn't already
// running. Idempotent.
func (m *Manager) EnsureSocket(sessionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listeners[sessionKey]; ok {
		return nil
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("rpcserver: mkdir %s: %w", m.dir, err)
	}
	ln, err := listenRetryingStale(m.socketPath(sessionKey))
	if err != nil {
		return err
	}
	m.listeners[sessionKey] = ln
	go m.acceptLoop(sessionKey, ln)
	return nil
}

// listenRetryingStale binds path, removing and retrying exactly once on
// EADDRINUSE (a socket file left behind by a crashed process never gets a
// live listener back) — spec.md §9's open question on ensureSessionSocket
// recursion is resolved here with a bound of one retry, then fail.
func listenRetryingStale(path string) (net.Listener, error) {
	ln, err := net.Listen("unix", path)
	if err == nil {
		return ln, nil
	}
	if !strings.Contains(err.Error(), "address already in use") {
		return nil, fmt.Errorf("rpcserver: listen %s: %w", path, err)
	}
	_ = os.Remove(path)
	ln, err = net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: listen %s after clearing stale socket: %w", path, err)
	}
	return ln, nil
}

// CloseSocket stops and removes the listener for sessionKey, if any.
func (m *Manager) CloseSocket(sessionKey string) {
	m.mu.Lock()
	ln, ok := m.listeners[sessionKey]
	if ok {
		delete(m.listeners, sessionKey)
	}
	m.mu.Unlock()
	if ok {
		_ = ln.Close()
	}
}

func (m *Manager) acceptLoop(sessionKey string, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go m.handleConn(sessionKey, conn)
	}
}

func (m *Manager) handleConn(sessionKey string, conn net.Conn) {
	c := &connState{conn: conn, sessionKey: sessionKey, mgr: m, subs: map[string]*bus.Subscription{}}
	defer c.close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		c.handleLine(cp)
	}
}

// connState is one accepted connection's state: its own outbound write
// mutex (command responses and asynchronous subscribe events share the
// same wire) and its live turn_end subscriptions.
type connState struct {
	conn       net.Conn
	sessionKey string
	mgr        *Manager

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]*bus.Subscription
}

func (c *connState) writeJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.mgr.logger.Error("rpcserver: marshal response failed", "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, _ = c.conn.Write(append(data, '\n'))
}

func (c *connState) close() {
	_ = c.conn.Close()
	c.subMu.Lock()
	subs := make([]*bus.Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = map[string]*bus.Subscription{}
	c.subMu.Unlock()
	for _, s := range subs {
		c.mgr.bus.Unsubscribe(s)
	}
}

func (c *connState) addSub(id string, sub *bus.Subscription) {
	c.subMu.Lock()
	c.subs[id] = sub
	c.subMu.Unlock()
}

func (c *connState) removeSub(id string) {
	c.subMu.Lock()
	delete(c.subs, id)
	c.subMu.Unlock()
}

// handleLine distinguishes the modern (type) and legacy (action) wire
// shapes by which field is present, per spec.md §4.6/§9.
func (c *connState) handleLine(line []byte) {
	var probe struct {
		Type   string `json:"type"`
		Action string `json:"action"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		c.writeJSON(response{Type: "response", Command: "parse", Success: false, Error: "Failed to parse command"})
		return
	}
	switch {
	case probe.Type != "":
		c.handleModern(line, probe.Type)
	case probe.Action != "":
		c.handleLegacy(line, probe.Action)
	default:
		c.writeJSON(response{Type: "response", Success: false, Error: "Unsupported command: "})
	}
}

func newEventID() string {
	return uuid.NewString()
}
