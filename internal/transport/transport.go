// Package transport implements the transport manager (C3): it brings up
// the agent-facing transports (stdio, websocket, http, sse) with dynamic
// port allocation and degrades gracefully when one fails to start.
// Grounded on the teacher's cmd/goclaw/main.go listener-bind sequence
// (net.ListenConfig, SO_REUSEADDR, isAddrInUse handling) generalized from
// one fixed BindAddr to the per-transport port-selection policy of §4.3,
// and on internal/engine.Engine's Drain(timeout) idiom for graceful stop.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/basket/vibe-orchestrator/internal/config"
	"github.com/basket/vibe-orchestrator/internal/domain"
)

// Kind identifies a transport flavor (§6).
type Kind string

const (
	KindStdio     Kind = "stdio"
	KindWebSocket Kind = "websocket"
	KindHTTPAgent Kind = "http"
	KindSSE       Kind = "sse"
)

// State is a transport's lifecycle state (§4.3 state machine).
type State string

const (
	StateDisabled State = "disabled"
	StatePending  State = "pending"
	StateStarting State = "starting"
	StateStarted  State = "started"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// maxRetries and retryBackoff implement §4.3 step 5.
const (
	maxRetries      = 3
	retryBackoff    = 100 * time.Millisecond
	maxPortWalkFromPreferred = 20
)

// TransportConfig is one transport's declared configuration (§4.3).
type TransportConfig struct {
	Kind          Kind
	Enabled       bool
	PreferredPort int
	Range         config.PortRange
	Path          string
	// Handler serves HTTP-based transports (websocket/http/sse). Unused for stdio.
	Handler http.Handler
	// StdioLoop drives the stdio transport until ctx is cancelled. Unused otherwise.
	StdioLoop func(ctx context.Context) error
}

// transport tracks one live (or not-yet-live) transport instance.
type transport struct {
	mu     sync.Mutex
	cfg    TransportConfig
	state  State
	port   int
	ln     net.Listener
	server *http.Server
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the set of configured transports and their lifecycle.
type Manager struct {
	mu         sync.Mutex
	transports []*transport
	logger     *slog.Logger
}

// New constructs a Manager. Transports start in the declared order (§4.3).
func New(logger *slog.Logger, configs []TransportConfig) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{logger: logger}
	for _, c := range configs {
		state := StatePending
		if !c.Enabled {
			state = StateDisabled
		}
		m.transports = append(m.transports, &transport{cfg: c, state: state})
	}
	return m
}

// StartAll brings up every enabled transport in declared order. A failed
// transport is recorded as failed but does not abort the others (§4.3
// graceful degradation). Re-starting without first stopping is a no-op.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.transports {
		m.startOne(ctx, t)
	}
}

func (m *Manager) startOne(ctx context.Context, t *transport) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateStarted || t.state == StateStarting {
		return // idempotent: already running or in flight.
	}
	if t.state == StateDisabled {
		return
	}
	t.state = StateStarting

	tctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	if t.cfg.Kind == KindStdio {
		go t.runStdio(tctx)
		t.state = StateStarted
		m.logger.Info("transport_started", "kind", t.cfg.Kind)
		return
	}

	ln, port, err := selectAndBind(tctx, t.cfg.PreferredPort, t.cfg.Range)
	if err != nil {
		t.state = StateFailed
		cancel()
		close(t.done)
		m.logger.Warn("transport_start_failed", "kind", t.cfg.Kind, "error", err)
		return
	}

	t.ln = ln
	t.port = port
	t.server = &http.Server{Handler: t.cfg.Handler}
	t.state = StateStarted

	go func() {
		defer close(t.done)
		err := t.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Warn("transport_serve_error", "kind", t.cfg.Kind, "error", err)
		}
	}()

	m.logger.Info("transport_started", "kind", t.cfg.Kind, "port", port)
}

func (t *transport) runStdio(ctx context.Context) {
	defer close(t.done)
	if t.cfg.StdioLoop == nil {
		<-ctx.Done()
		return
	}
	_ = t.cfg.StdioLoop(ctx)
}

// StopAll drives every started transport to stopped and releases its port.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.transports {
		m.stopOne(ctx, t)
	}
}

func (m *Manager) stopOne(ctx context.Context, t *transport) {
	t.mu.Lock()
	if t.state != StateStarted {
		t.mu.Unlock()
		return
	}
	t.state = StateStopping
	cancel := t.cancel
	server := t.server
	done := t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if server != nil {
		_ = server.Shutdown(ctx)
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	t.mu.Lock()
	t.state = StateStopped
	t.mu.Unlock()
}

// AllocatedPorts returns the live port map; unavailable transports are omitted.
func (m *Manager) AllocatedPorts() map[Kind]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[Kind]int)
	for _, t := range m.transports {
		t.mu.Lock()
		if t.state == StateStarted && t.port != 0 {
			out[t.cfg.Kind] = t.port
		}
		t.mu.Unlock()
	}
	return out
}

// ServiceEndpoints returns an "addr:port/path"-style endpoint per live
// HTTP-based transport; stdio reports a sentinel "stdio" endpoint.
func (m *Manager) ServiceEndpoints() map[Kind]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[Kind]string)
	for _, t := range m.transports {
		t.mu.Lock()
		switch {
		case t.state != StateStarted:
		case t.cfg.Kind == KindStdio:
			out[t.cfg.Kind] = "stdio"
		default:
			out[t.cfg.Kind] = fmt.Sprintf("127.0.0.1:%d%s", t.port, t.cfg.Path)
		}
		t.mu.Unlock()
	}
	return out
}

// State reports one transport's current lifecycle state.
func (m *Manager) State(kind Kind) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transports {
		if t.cfg.Kind == kind {
			t.mu.Lock()
			s := t.state
			t.mu.Unlock()
			return s, true
		}
	}
	return "", false
}

// selectAndBind implements §4.3's port-selection policy: candidate from
// the preferred port, bind-probe with retry/backoff on transient errors,
// and on EADDRINUSE walk forward within the configured range (or up to 20
// ports past the preferred port when no range is configured).
func selectAndBind(ctx context.Context, preferred int, rng config.PortRange) (net.Listener, int, error) {
	candidates := candidatePorts(preferred, rng)
	if len(candidates) == 0 {
		return nil, 0, domain.NewError(domain.ErrPortUnavailable, "no candidate ports", nil)
	}

	var lastErr error
	for _, port := range candidates {
		ln, err := bindWithRetry(ctx, port)
		if err == nil {
			return ln, port, nil
		}
		lastErr = err
		if !isAddrInUse(err) {
			// Non-EADDRINUSE transient errors already retried in bindWithRetry;
			// treat as exhausted for this candidate and try the next.
			continue
		}
	}
	return nil, 0, domain.NewError(domain.ErrPortUnavailable, "exhausted candidate ports", lastErr)
}

func candidatePorts(preferred int, rng config.PortRange) []int {
	if rng.Low > 0 && rng.High >= rng.Low {
		var out []int
		for p := rng.Low; p <= rng.High; p++ {
			out = append(out, p)
		}
		// Preferred port, if inside the range, is tried first.
		for i, p := range out {
			if p == preferred {
				out[0], out[i] = out[i], out[0]
				break
			}
		}
		return out
	}

	var out []int
	for i := 0; i <= maxPortWalkFromPreferred; i++ {
		p := preferred + i
		if p > 0 && p <= 65535 {
			out = append(out, p)
		}
	}
	return out
}

func bindWithRetry(ctx context.Context, port int) (net.Listener, error) {
	lc := &net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, nil
		}
		lastErr = err
		if isAddrInUse(err) {
			return nil, err // let the caller walk to the next candidate immediately.
		}
		select {
		case <-time.After(retryBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
