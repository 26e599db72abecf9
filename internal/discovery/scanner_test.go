package discovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/dgnsrekt/exposnap/internal/wire"
)

var errNoRoute = errors.New("no route to host")

// fakeNetwork answers probes for the hosts in responders and counts calls.
type fakeNetwork struct {
	responders map[string]wire.PingResponse
	calls      atomic.Int64
}

func (n *fakeNetwork) Probe(_ context.Context, host string, _ int) (wire.PingResponse, error) {
	n.calls.Add(1)
	if resp, ok := n.responders[host]; ok {
		return resp, nil
	}
	return wire.PingResponse{}, errNoRoute
}

func exposnapPing(port int) wire.PingResponse {
	return wire.PingResponse{Service: wire.ServiceName, Version: "1.0.0", Status: wire.StatusReady, Port: port}
}

func TestDiscoverStopsAfterPriorityPass(t *testing.T) {
	net := &fakeNetwork{responders: map[string]wire.PingResponse{
		"192.168.1.100": exposnapPing(3333),
	}}
	cfg := DefaultConfig()
	s := NewScanner(cfg, net)

	got, found, err := s.Discover(context.Background(), 3333)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if !found {
		t.Fatal("Discover() found = false; want true")
	}
	if got.Address != "192.168.1.100" || got.Port != 3333 {
		t.Fatalf("Discover() = %+v; want 192.168.1.100:3333", got)
	}
	if calls := net.calls.Load(); calls > int64(len(cfg.PriorityHosts)) {
		t.Fatalf("probe calls = %d; want <= %d", calls, len(cfg.PriorityHosts))
	}
}

func TestDiscoverIgnoresForeignIdentity(t *testing.T) {
	net := &fakeNetwork{responders: map[string]wire.PingResponse{
		"192.168.1.1": {Service: "router-admin", Status: "ok"},
	}}
	s := NewScanner(DefaultConfig(), net)

	_, found, err := s.Discover(context.Background(), 3333)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if found {
		t.Fatal("Discover() found = true; want false")
	}
	if got, want := net.calls.Load(), int64(5*254); got != want {
		t.Fatalf("probe calls = %d; want %d", got, want)
	}
}

func TestDiscoverFallsBackToSweepOnLaterPrefix(t *testing.T) {
	net := &fakeNetwork{responders: map[string]wire.PingResponse{
		"10.0.0.77": exposnapPing(0),
	}}
	s := NewScanner(DefaultConfig(), net)

	got, found, err := s.Discover(context.Background(), 4444)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if !found {
		t.Fatal("Discover() found = false; want true")
	}
	if got.Address != "10.0.0.77" || got.Port != 4444 {
		t.Fatalf("Discover() = %+v; want 10.0.0.77:4444", got)
	}
	// Two prefixes fully swept plus the third up to the hit.
	if calls := net.calls.Load(); calls < 2*254 {
		t.Fatalf("probe calls = %d; want at least %d", calls, 2*254)
	}
}

func TestDiscoverUsesAdvertisedPort(t *testing.T) {
	net := &fakeNetwork{responders: map[string]wire.PingResponse{
		"192.168.0.2": exposnapPing(3340),
	}}
	s := NewScanner(DefaultConfig(), net)

	got, found, err := s.Discover(context.Background(), 3333)
	if err != nil || !found {
		t.Fatalf("Discover() = %+v, %v, %v; want found", got, found, err)
	}
	if got.Port != 3340 {
		t.Fatalf("Discover().Port = %d; want 3340", got.Port)
	}
	if got, want := got.URL(), "http://192.168.0.2:3340"; got != want {
		t.Fatalf("URL() = %q; want %q", got, want)
	}
}

func TestDiscoverCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewScanner(DefaultConfig(), &fakeNetwork{})
	_, found, err := s.Discover(ctx, 3333)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Discover() error = %v; want context.Canceled", err)
	}
	if found {
		t.Fatal("Discover() found = true; want false")
	}
}

func TestDiscoverRejectsInvalidLayout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Prefixes = []string{"192.168"}

	_, _, err := NewScanner(cfg, &fakeNetwork{}).Discover(context.Background(), 3333)
	if err == nil {
		t.Fatal("Discover() error = nil; want invalid prefix error")
	}
}

func TestSweepHostsExcludesPriority(t *testing.T) {
	hosts := sweepHosts(DefaultConfig().PriorityHosts)
	if got, want := len(hosts), 246; got != want {
		t.Fatalf("len(sweepHosts) = %d; want %d", got, want)
	}
	for _, h := range hosts {
		if h == 100 || h == 1 {
			t.Fatalf("sweepHosts contains priority host %d", h)
		}
	}
}
