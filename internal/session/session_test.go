package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgnsrekt/exposnap/internal/discovery"
)

type discoverFunc func(ctx context.Context, port int) (discovery.Candidate, bool, error)

func (f discoverFunc) Discover(ctx context.Context, port int) (discovery.Candidate, bool, error) {
	return f(ctx, port)
}

func foundAt(addr string, port int) discoverFunc {
	return func(context.Context, int) (discovery.Candidate, bool, error) {
		return discovery.Candidate{Address: addr, Port: port}, true, nil
	}
}

func okProber() ProberFunc {
	return func(context.Context, string) error { return nil }
}

func TestInitialStatus(t *testing.T) {
	if got := New("", foundAt("x", 1), okProber()).Snapshot(); got.Status != StatusDiscovering || got.PeerURL != "" {
		t.Fatalf("unpinned Snapshot() = %+v; want discovering without url", got)
	}
	got := New("192.168.1.5:3333", foundAt("x", 1), okProber()).Snapshot()
	if got.Status != StatusDisconnected || got.PeerURL != "http://192.168.1.5:3333" {
		t.Fatalf("pinned Snapshot() = %+v; want disconnected at pinned url", got)
	}
}

func TestDiscoverConnectDisconnect(t *testing.T) {
	m := New("", foundAt("192.168.1.100", 3333), okProber())

	if !m.Start(context.Background()) {
		t.Fatal("Start() = false; want true")
	}
	got := m.Snapshot()
	if got.Status != StatusConnected || got.PeerURL != "http://192.168.1.100:3333" {
		t.Fatalf("Snapshot() = %+v; want connected to discovered url", got)
	}

	m.Disconnect()
	got = m.Snapshot()
	if got.Status != StatusDiscovering || got.PeerURL != "" || got.LastError != "" {
		t.Fatalf("Snapshot() after Disconnect = %+v; want clean discovering", got)
	}
}

func TestPinnedDisconnectReturnsToDisconnected(t *testing.T) {
	m := New("http://10.0.0.2:3333", nil, okProber())
	if !m.Start(context.Background()) {
		t.Fatal("Start() = false; want true")
	}
	m.Disconnect()
	if got := m.Snapshot(); got.Status != StatusDisconnected || got.PeerURL != "http://10.0.0.2:3333" {
		t.Fatalf("Snapshot() = %+v; want disconnected at pinned url", got)
	}
}

func TestDiscoverNotFoundIsError(t *testing.T) {
	m := New("", discoverFunc(func(context.Context, int) (discovery.Candidate, bool, error) {
		return discovery.Candidate{}, false, nil
	}), okProber())

	if m.Discover(context.Background()) {
		t.Fatal("Discover() = true; want false")
	}
	got := m.Snapshot()
	if got.Status != StatusError || got.LastError != NotFoundMessage {
		t.Fatalf("Snapshot() = %+v; want error %q", got, NotFoundMessage)
	}
}

func TestConnectProbeFailureIsError(t *testing.T) {
	m := New("http://10.0.0.2:3333", nil, ProberFunc(func(context.Context, string) error {
		return errors.New("unexpected service identity")
	}))

	if m.Start(context.Background()) {
		t.Fatal("Start() = true; want false")
	}
	got := m.Snapshot()
	if got.Status != StatusError || got.LastError != "unexpected service identity" {
		t.Fatalf("Snapshot() = %+v; want error state with probe message", got)
	}
}

func TestConnectProbeIsBounded(t *testing.T) {
	m := New("", nil, ProberFunc(func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}), WithConnectTimeout(20*time.Millisecond))

	if m.Connect(context.Background(), "10.0.0.9:3333") {
		t.Fatal("Connect() = true; want false")
	}
	if got := m.Snapshot(); got.Status != StatusError {
		t.Fatalf("Snapshot().Status = %q; want error", got.Status)
	}
}

func TestDiscoverIsNotReentrant(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var calls atomic.Int32
	m := New("", discoverFunc(func(context.Context, int) (discovery.Candidate, bool, error) {
		calls.Add(1)
		close(entered)
		<-release
		return discovery.Candidate{}, false, nil
	}), okProber())

	done := make(chan bool)
	go func() { done <- m.Discover(context.Background()) }()
	<-entered

	if m.Discover(context.Background()) {
		t.Fatal("concurrent Discover() = true; want false")
	}
	close(release)
	<-done
	if got := calls.Load(); got != 1 {
		t.Fatalf("discoverer calls = %d; want 1", got)
	}
}

func TestDiscoverSkippedWhileConnecting(t *testing.T) {
	release := make(chan struct{})
	probing := make(chan struct{})
	var scans atomic.Int32
	m := New("", discoverFunc(func(context.Context, int) (discovery.Candidate, bool, error) {
		scans.Add(1)
		return discovery.Candidate{}, false, nil
	}), ProberFunc(func(context.Context, string) error {
		close(probing)
		<-release
		return nil
	}))

	done := make(chan bool)
	go func() { done <- m.Connect(context.Background(), "10.0.0.3:3333") }()
	<-probing

	if m.Discover(context.Background()) {
		t.Fatal("Discover() while connecting = true; want false")
	}
	close(release)
	if !<-done {
		t.Fatal("Connect() = false; want true")
	}
	if scans.Load() != 0 {
		t.Fatal("discoverer ran while connecting")
	}
}

func TestDiscoveryResultDiscardedWhenAlreadyConnected(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var probed atomic.Value
	m := New("", discoverFunc(func(context.Context, int) (discovery.Candidate, bool, error) {
		close(entered)
		<-release
		return discovery.Candidate{Address: "192.168.1.100", Port: 3333}, true, nil
	}), ProberFunc(func(_ context.Context, url string) error {
		probed.Store(url)
		return nil
	}))

	done := make(chan bool)
	go func() { done <- m.Discover(context.Background()) }()
	<-entered

	if !m.Connect(context.Background(), "http://10.0.0.7:3333") {
		t.Fatal("Connect() = false; want true")
	}
	close(release)
	if !<-done {
		t.Fatal("Discover() = false; want true")
	}

	got := m.Snapshot()
	if got.Status != StatusConnected || got.PeerURL != "http://10.0.0.7:3333" {
		t.Fatalf("Snapshot() = %+v; want existing connection kept", got)
	}
	if got := probed.Load(); got != "http://10.0.0.7:3333" {
		t.Fatalf("last probed url = %v; want the manual connection", got)
	}
}

func TestDisconnectDiscardsInFlightProbe(t *testing.T) {
	release := make(chan struct{})
	probing := make(chan struct{})
	m := New("", nil, ProberFunc(func(context.Context, string) error {
		close(probing)
		<-release
		return nil
	}))

	done := make(chan bool)
	go func() { done <- m.Connect(context.Background(), "10.0.0.3:3333") }()
	<-probing
	m.Disconnect()
	close(release)

	if <-done {
		t.Fatal("Connect() = true after Disconnect; want false")
	}
	if got := m.Snapshot(); got.Status != StatusDiscovering {
		t.Fatalf("Snapshot().Status = %q; want discovering", got.Status)
	}
}

func TestSubscribersObserveTransitions(t *testing.T) {
	m := New("", foundAt("192.168.1.100", 3333), okProber())
	id, ch := m.Subscribe()
	defer m.Unsubscribe(id)

	m.Start(context.Background())

	want := []Status{StatusDiscovering, StatusConnecting, StatusConnected}
	for i, status := range want {
		select {
		case evt := <-ch:
			s, ok := evt.Data.(Session)
			if !ok {
				t.Fatalf("event %d data = %T; want Session", i, evt.Data)
			}
			if s.Status != status {
				t.Fatalf("event %d status = %q; want %q", i, s.Status, status)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d (%s)", i, status)
		}
	}
}
