// Package discovery finds an exposnap server on the local network by probing
// well-known private /24 prefixes for the /ping identity.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dgnsrekt/exposnap/internal/wire"
	"golang.org/x/sync/errgroup"
)

var errFound = errors.New("discovery: candidate found")

// Candidate is a peer that answered a probe with the exposnap identity.
type Candidate struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Version string `json:"version,omitempty"`
}

// URL returns the base URL of the candidate.
func (c Candidate) URL() string {
	return "http://" + net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// Prober issues a single identity probe against host:port.
type Prober interface {
	Probe(ctx context.Context, host string, port int) (wire.PingResponse, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, host string, port int) (wire.PingResponse, error)

func (f ProberFunc) Probe(ctx context.Context, host string, port int) (wire.PingResponse, error) {
	return f(ctx, host, port)
}

// HTTPProber probes GET /ping over HTTP.
type HTTPProber struct {
	HTTP *http.Client
}

func (p HTTPProber) Probe(ctx context.Context, host string, port int) (wire.PingResponse, error) {
	client := wire.NewClient(net.JoinHostPort(host, strconv.Itoa(port)), p.HTTP)
	return client.Ping(ctx)
}

// Scanner walks the configured prefixes until a probe succeeds.
type Scanner struct {
	cfg    Config
	prober Prober
}

// NewScanner creates a Scanner. A nil prober uses HTTPProber with the
// default client.
func NewScanner(cfg Config, prober Prober) *Scanner {
	if prober == nil {
		prober = HTTPProber{}
	}
	return &Scanner{cfg: cfg, prober: prober}
}

// Discover returns the first candidate that asserts the exposnap identity.
// found is false with a nil error when the whole scan completes without a
// positive probe; err is only set for an invalid layout or a cancelled ctx.
func (s *Scanner) Discover(ctx context.Context, port int) (Candidate, bool, error) {
	if err := s.cfg.Validate(); err != nil {
		return Candidate{}, false, err
	}
	if port <= 0 {
		port = wire.DefaultServerPort
	}

	start := time.Now()
	for _, prefix := range s.cfg.Prefixes {
		if err := ctx.Err(); err != nil {
			return Candidate{}, false, err
		}
		if c, ok := s.scanPrefix(ctx, prefix, port); ok {
			slog.Info("discovery found server", "address", c.Address, "port", c.Port, "version", c.Version, "duration_ms", time.Since(start).Milliseconds())
			return c, true, nil
		}
		slog.Debug("discovery prefix exhausted", "prefix", prefix, "port", port)
	}
	if err := ctx.Err(); err != nil {
		return Candidate{}, false, err
	}
	slog.Info("discovery found no server", "prefixes", len(s.cfg.Prefixes), "duration_ms", time.Since(start).Milliseconds())
	return Candidate{}, false, nil
}

func (s *Scanner) scanPrefix(ctx context.Context, prefix string, port int) (Candidate, bool) {
	if c, ok := s.probeHosts(ctx, prefix, s.cfg.PriorityHosts, port, s.cfg.PriorityTimeout); ok {
		return c, true
	}
	if ctx.Err() != nil {
		return Candidate{}, false
	}
	return s.probeHosts(ctx, prefix, sweepHosts(s.cfg.PriorityHosts), port, s.cfg.SweepTimeout)
}

// probeHosts probes every host concurrently. The first positive probe
// cancels the rest; their results are ignored.
func (s *Scanner) probeHosts(ctx context.Context, prefix string, hosts []int, port int, timeout time.Duration) (Candidate, bool) {
	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.MaxConcurrent > 0 {
		g.SetLimit(s.cfg.MaxConcurrent)
	}

	var (
		once  sync.Once
		found Candidate
	)
	for _, host := range hosts {
		ip := fmt.Sprintf("%s.%d", prefix, host)
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			probeCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			resp, err := s.prober.Probe(probeCtx, ip, port)
			if err != nil || resp.Service != wire.ServiceName {
				return nil
			}
			once.Do(func() {
				found = Candidate{Address: ip, Port: port, Version: resp.Version}
				if resp.Port > 0 {
					found.Port = resp.Port
				}
			})
			return errFound
		})
	}

	if err := g.Wait(); errors.Is(err, errFound) {
		return found, true
	}
	return Candidate{}, false
}

func sweepHosts(priority []int) []int {
	skip := make(map[int]bool, len(priority))
	for _, h := range priority {
		skip[h] = true
	}
	hosts := make([]int, 0, 254)
	for h := 1; h <= 254; h++ {
		if !skip[h] {
			hosts = append(hosts, h)
		}
	}
	return hosts
}
