// Package muxcap implements capability.Multiplexer as a channel-driven
// reactor. pgcap's per-peer background goroutines already turn blocking
// socket reads into buffered channel sends (its AsyncRead only ever
// does a non-blocking receive); Wait just needs to ask, per registered
// peer, whether that channel currently has something waiting, and
// otherwise block on either the latch SignalLatch writes to or a
// timeout — the same shape network's ConnectionManager drives off a
// chancell mailbox, adapted here to socket readiness instead of a
// message queue.
package muxcap

import (
	"sync"
	"time"

	"github.com/shanyp/neon/capability"
)

// ReadinessSource lets Mux ask whether a peer has buffered input
// without blocking; capability/pgcap.Manager implements it.
type ReadinessSource interface {
	HasBufferedInput(peer capability.PeerHandle) bool
}

// Mux implements capability.Multiplexer.
type Mux struct {
	mu     sync.Mutex
	masks  map[capability.PeerHandle]capability.EventMask
	order  []capability.PeerHandle
	latch  chan struct{}
	source ReadinessSource

	pollInterval time.Duration
}

// New builds a Mux that polls source at pollInterval granularity (5ms
// if zero).
func New(source ReadinessSource, pollInterval time.Duration) *Mux {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Millisecond
	}
	return &Mux{
		masks:        make(map[capability.PeerHandle]capability.EventMask),
		latch:        make(chan struct{}, 1),
		source:       source,
		pollInterval: pollInterval,
	}
}

func (m *Mux) InitSet() error { return nil }
func (m *Mux) FreeSet()       {}

func (m *Mux) AddPeer(peer capability.PeerHandle, mask capability.EventMask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.masks[peer]; !ok {
		m.order = append(m.order, peer)
	}
	m.masks[peer] = mask
	return nil
}

func (m *Mux) UpdatePeer(peer capability.PeerHandle, mask capability.EventMask) error {
	return m.AddPeer(peer, mask)
}

func (m *Mux) RemovePeer(peer capability.PeerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.masks, peer)
	for i, p := range m.order {
		if p == peer {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Wait reports EventWritable as soon as a peer is registered for it
// (AsyncWrite's net.Conn.Write runs to completion or fails outright, so
// "writable" never needs to wait) and EventReadable once source reports
// buffered input, otherwise blocking on the latch or timeout.
func (m *Mux) Wait(timeout time.Duration) (capability.WaitResult, error) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		if peer, events, ok := m.poll(); ok {
			return capability.WaitResult{Kind: capability.EventSocket, Peer: peer, Events: events}, nil
		}

		select {
		case <-m.latch:
			return capability.WaitResult{Kind: capability.EventLatch}, nil
		case <-ticker.C:
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				return capability.WaitResult{Kind: capability.EventTimeout}, nil
			}
		}
	}
}

func (m *Mux) poll() (capability.PeerHandle, capability.EventMask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, peer := range m.order {
		mask := m.masks[peer]
		var events capability.EventMask
		if mask&capability.EventWritable != 0 {
			events |= capability.EventWritable
		}
		if mask&capability.EventReadable != 0 && m.source.HasBufferedInput(peer) {
			events |= capability.EventReadable
		}
		if events != 0 {
			return peer, events, true
		}
	}
	return 0, 0, false
}

// SignalLatch wakes a concurrent Wait with EventLatch; safe from any
// goroutine (§6.3).
func (m *Mux) SignalLatch() error {
	select {
	case m.latch <- struct{}{}:
	default:
	}
	return nil
}
