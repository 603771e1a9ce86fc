package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/cortexuvula/roomrelay/internal/metrics"
	"github.com/cortexuvula/roomrelay/internal/peer"
)

// Tracker enforces connection limits and keeps the set of live peers so
// they can be closed on shutdown.
type Tracker struct {
	slots            atomic.Int64
	totalConnections atomic.Int64

	ipMu          sync.Mutex
	ipConnections map[string]int

	peersMu sync.Mutex
	peers   map[*peer.Conn]struct{}
	byKind  map[string]int
	// closing is set by CloseAll; later registrations are closed on arrival.
	closing     bool
	closeCode   websocket.StatusCode
	closeReason string

	metrics *metrics.Metrics
}

// NewTracker creates an empty tracker.
func NewTracker(m *metrics.Metrics) *Tracker {
	return &Tracker{
		ipConnections: make(map[string]int),
		peers:         make(map[*peer.Conn]struct{}),
		byKind:        make(map[string]int),
		metrics:       m,
	}
}

// TryAcquire reserves a connection slot for ip. Returns "" on success, or
// the name of the limit that was hit. A limit <= 0 is unlimited.
func (t *Tracker) TryAcquire(ip string, maxGlobal, maxPerIP int) string {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()

	if maxGlobal > 0 && int(t.slots.Load()) >= maxGlobal {
		return "max_connections"
	}
	if maxPerIP > 0 && t.ipConnections[ip] >= maxPerIP {
		return "max_connections_per_ip"
	}
	t.slots.Add(1)
	t.totalConnections.Add(1)
	t.ipConnections[ip]++
	return ""
}

// Release frees a slot taken by TryAcquire.
func (t *Tracker) Release(ip string) {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()
	t.slots.Add(-1)
	t.ipConnections[ip]--
	if t.ipConnections[ip] <= 0 {
		delete(t.ipConnections, ip)
	}
}

// Slots returns the number of reserved slots.
func (t *Tracker) Slots() int {
	return int(t.slots.Load())
}

// SlotsForIP returns the number of slots held by ip.
func (t *Tracker) SlotsForIP(ip string) int {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()
	return t.ipConnections[ip]
}

// ActiveIPConnections returns a copy of the per-IP slot counts.
func (t *Tracker) ActiveIPConnections() map[string]int {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()
	out := make(map[string]int, len(t.ipConnections))
	for ip, n := range t.ipConnections {
		out[ip] = n
	}
	return out
}

// TotalConnections returns the number of slots granted since start.
func (t *Tracker) TotalConnections() int64 {
	return t.totalConnections.Load()
}

// Opened implements peer.Observer. After CloseAll the peer is registered
// and closed at once, so Wait still sees it leave.
func (t *Tracker) Opened(c *peer.Conn) {
	t.peersMu.Lock()
	t.peers[c] = struct{}{}
	t.byKind[c.Kind()]++
	closing, code, reason := t.closing, t.closeCode, t.closeReason
	t.peersMu.Unlock()
	t.metrics.Upgrade(c.Kind(), "accepted")
	t.metrics.ConnOpened(c.Kind())
	if closing {
		c.Close(code, reason)
	}
}

// Closed implements peer.Observer.
func (t *Tracker) Closed(c *peer.Conn) {
	t.peersMu.Lock()
	if _, ok := t.peers[c]; ok {
		delete(t.peers, c)
		t.byKind[c.Kind()]--
	}
	t.peersMu.Unlock()
	t.metrics.ConnClosed(c.Kind())
}

// Active returns the number of open connections of kind, or of every kind
// when kind is "".
func (t *Tracker) Active(kind string) int {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	if kind == "" {
		return len(t.peers)
	}
	return t.byKind[kind]
}

// CloseAll closes every live peer with code and reason, and every peer
// registered afterwards.
func (t *Tracker) CloseAll(code websocket.StatusCode, reason string) int {
	t.peersMu.Lock()
	t.closing, t.closeCode, t.closeReason = true, code, reason
	live := make([]*peer.Conn, 0, len(t.peers))
	for c := range t.peers {
		live = append(live, c)
	}
	t.peersMu.Unlock()

	for _, c := range live {
		c.Close(code, reason)
	}
	return len(live)
}

// Wait blocks until every slot is released or ctx ends.
func (t *Tracker) Wait(ctx context.Context) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for t.Slots() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
