package controller

import (
	"sync"
	"time"

	"github.com/dgnsrekt/exposnap/internal/clock"
)

// DefaultPeerWindow is how long a peer counts as reachable after its last poll.
const DefaultPeerWindow = 15 * time.Second

// PeerStatus describes the last peer seen polling this server.
type PeerStatus struct {
	Reachable  bool      `json:"reachable"`
	LastSeen   time.Time `json:"last_seen,omitzero"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Polls      uint64    `json:"polls"`
}

// Presence tracks peer polls. The server has no connection to the peer, so
// reachability is inferred from how recently it asked for work.
type Presence struct {
	clock  clock.Clock
	window time.Duration

	mu       sync.Mutex
	lastSeen time.Time
	remote   string
	polls    uint64
}

// NewPresence creates a Presence with the given reachability window.
func NewPresence(window time.Duration, clk clock.Clock) *Presence {
	if window <= 0 {
		window = DefaultPeerWindow
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Presence{clock: clk, window: window}
}

// Mark records a poll from remote and reports whether the peer was
// unreachable before it.
func (p *Presence) Mark(remote string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	wasReachable := p.reachableLocked(now)
	p.lastSeen = now
	p.remote = remote
	p.polls++
	return !wasReachable
}

// Reachable reports whether a poll arrived within the window.
func (p *Presence) Reachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reachableLocked(p.clock.Now())
}

func (p *Presence) reachableLocked(now time.Time) bool {
	return !p.lastSeen.IsZero() && now.Sub(p.lastSeen) < p.window
}

// Status returns a snapshot of the tracked peer.
func (p *Presence) Status() PeerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeerStatus{
		Reachable:  p.reachableLocked(p.clock.Now()),
		LastSeen:   p.lastSeen,
		RemoteAddr: p.remote,
		Polls:      p.polls,
	}
}
