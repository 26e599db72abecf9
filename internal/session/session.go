// Package session tracks reachability of the exposnap server from the peer
// side: discovery, connection probes and explicit disconnects.
package session

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dgnsrekt/exposnap/internal/discovery"
	"github.com/dgnsrekt/exposnap/internal/events"
	"github.com/dgnsrekt/exposnap/internal/wire"
)

// Status is the connection state of the session.
type Status string

const (
	StatusDiscovering  Status = "discovering"
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

const (
	// DefaultConnectTimeout bounds a single identity probe.
	DefaultConnectTimeout = 5 * time.Second
	// NotFoundMessage is recorded when a full discovery scan finds nothing.
	NotFoundMessage = "exposnap server not found on local network"
)

// Session is a read-only snapshot of the machine state.
type Session struct {
	Status    Status `json:"status"`
	PeerURL   string `json:"peer_url,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Connected reports whether the session is in the connected state.
func (s Session) Connected() bool { return s.Status == StatusConnected }

// Discoverer finds a server candidate on the local network.
type Discoverer interface {
	Discover(ctx context.Context, port int) (discovery.Candidate, bool, error)
}

// Prober confirms the exposnap identity at a base URL.
type Prober interface {
	Probe(ctx context.Context, baseURL string) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, baseURL string) error

func (f ProberFunc) Probe(ctx context.Context, baseURL string) error { return f(ctx, baseURL) }

// PingProber probes GET /ping with the wire client.
type PingProber struct {
	HTTP *http.Client
}

func (p PingProber) Probe(ctx context.Context, baseURL string) error {
	_, err := wire.NewClient(baseURL, p.HTTP).Ping(ctx)
	return err
}

// Machine owns the single session to the server. All probe failures are
// recorded as StatusError; no method returns an error.
type Machine struct {
	mu          sync.Mutex
	state       Session
	pinned      string
	port        int
	timeout     time.Duration
	discovering bool
	generation  uint64

	discoverer Discoverer
	prober     Prober
	broker     *events.Broker
}

// Option configures a Machine.
type Option func(*Machine)

// WithPort sets the port passed to the discoverer.
func WithPort(port int) Option {
	return func(m *Machine) { m.port = port }
}

// WithConnectTimeout overrides DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// New creates a Machine. With an empty pinnedURL the session starts in
// StatusDiscovering, otherwise in StatusDisconnected against pinnedURL.
func New(pinnedURL string, discoverer Discoverer, prober Prober, opts ...Option) *Machine {
	m := &Machine{
		pinned:     wire.NormalizeURL(pinnedURL),
		port:       wire.DefaultServerPort,
		timeout:    DefaultConnectTimeout,
		discoverer: discoverer,
		prober:     prober,
		broker:     events.NewBroker(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.state = m.initialState()
	return m
}

func (m *Machine) initialState() Session {
	if m.pinned != "" {
		return Session{Status: StatusDisconnected, PeerURL: m.pinned}
	}
	return Session{Status: StatusDiscovering}
}

// Snapshot returns the current session.
func (m *Machine) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe returns a channel of session.changed events carrying Session
// values. Slow subscribers drop events.
func (m *Machine) Subscribe() (int64, <-chan events.Event) {
	return m.broker.Subscribe()
}

// Unsubscribe stops delivery to a subscriber.
func (m *Machine) Unsubscribe(id int64) {
	m.broker.Unsubscribe(id)
}

// Start runs the initial transition: a probe against the pinned URL, or a
// discovery scan when nothing is pinned.
func (m *Machine) Start(ctx context.Context) bool {
	if m.pinned != "" {
		return m.Connect(ctx, m.pinned)
	}
	return m.Discover(ctx)
}

// Connect probes url and moves to connected or error.
func (m *Machine) Connect(ctx context.Context, url string) bool {
	normalized := wire.NormalizeURL(url)
	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()
	if normalized == "" {
		m.fail(gen, "missing server url")
		return false
	}
	return m.testConnection(ctx, gen, normalized)
}

// Discover scans for a server and connects to it. It is a no-op returning
// false while another discovery runs or a connection probe is in flight. If
// the session becomes connected while the scan runs, the scan result is
// discarded and Discover returns true.
func (m *Machine) Discover(ctx context.Context) bool {
	m.mu.Lock()
	if m.discovering || m.state.Status == StatusConnecting {
		m.mu.Unlock()
		slog.Debug("session discovery skipped", "status", m.Snapshot().Status)
		return false
	}
	m.discovering = true
	gen := m.generation
	m.state.Status = StatusDiscovering
	m.state.LastError = ""
	snap := m.state
	m.mu.Unlock()
	m.publish(snap)

	defer func() {
		m.mu.Lock()
		m.discovering = false
		m.mu.Unlock()
	}()

	candidate, found, err := m.discoverer.Discover(ctx, m.port)
	if err != nil {
		m.fail(gen, "discovery failed: "+err.Error())
		return false
	}
	if !found {
		m.fail(gen, NotFoundMessage)
		return false
	}

	m.mu.Lock()
	if m.state.Status == StatusConnected {
		current := m.state.PeerURL
		m.mu.Unlock()
		slog.Info("session discovery result discarded", "found", candidate.URL(), "connected", current)
		return true
	}
	m.mu.Unlock()

	return m.testConnection(ctx, gen, candidate.URL())
}

// Disconnect resets the session to its initial state.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	m.generation++
	m.state = m.initialState()
	snap := m.state
	m.mu.Unlock()
	slog.Info("session disconnected", "status", snap.Status)
	m.publish(snap)
}

func (m *Machine) testConnection(ctx context.Context, gen uint64, url string) bool {
	if !m.apply(gen, func(s *Session) {
		s.Status = StatusConnecting
		s.PeerURL = url
		s.LastError = ""
	}) {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.prober.Probe(probeCtx, url); err != nil {
		slog.Warn("session connect failed", "url", url, "error", err)
		m.fail(gen, err.Error())
		return false
	}

	if !m.apply(gen, func(s *Session) {
		s.Status = StatusConnected
		s.LastError = ""
	}) {
		return false
	}
	slog.Info("session connected", "url", url)
	return true
}

func (m *Machine) fail(gen uint64, msg string) {
	m.apply(gen, func(s *Session) {
		s.Status = StatusError
		s.LastError = msg
	})
}

// apply mutates the state unless a Disconnect happened since gen was read.
func (m *Machine) apply(gen uint64, fn func(*Session)) bool {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return false
	}
	fn(&m.state)
	snap := m.state
	m.mu.Unlock()
	m.publish(snap)
	return true
}

func (m *Machine) publish(s Session) {
	m.broker.Publish(events.Event{Type: events.TypeSessionChanged, Data: s})
}
