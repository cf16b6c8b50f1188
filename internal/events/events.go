// Package events publishes presence, busy and call lifecycle events to
// interested subscribers such as listener discovery screens.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Kind string

const (
	PresenceOnline  Kind = "presence.online"
	PresenceOffline Kind = "presence.offline"
	ListenerBusy    Kind = "listener.busy"
	ListenerFree    Kind = "listener.free"
	CallConnected   Kind = "call.connected"
	CallEnded       Kind = "call.ended"
	CallBilled      Kind = "call.billed"
)

// Event is the transport-neutral payload.
type Event struct {
	Kind   Kind      `json:"kind"`
	UserID string    `json:"user_id,omitempty"`
	Role   string    `json:"role,omitempty"`
	CallID string    `json:"call_id,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Amount int64     `json:"amount_minor,omitempty"`
	At     time.Time `json:"at"`
}

// Subject is the NATS subject for e under prefix, e.g. calls.presence.online.
func (e Event) Subject(prefix string) string {
	if prefix == "" {
		return string(e.Kind)
	}
	return prefix + "." + string(e.Kind)
}

// Publisher delivers events. Publish errors are transport failures only.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop discards events. Used when NATS is not configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// Channel buffers events in memory and drops when full.
type Channel struct {
	mu      sync.RWMutex
	ch      chan Event
	closed  bool
	dropped atomic.Int64
}

func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 1000
	}
	return &Channel{ch: make(chan Event, size)}
}

func (p *Channel) Publish(ctx context.Context, e Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}
	select {
	case p.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.dropped.Add(1)
		return nil
	}
}

func (p *Channel) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

func (p *Channel) Events() <-chan Event { return p.ch }

func (p *Channel) Dropped() int64 { return p.dropped.Load() }

// Multi fans out to every publisher and returns the last failure.
type Multi struct {
	pubs []Publisher
	log  *slog.Logger
}

func NewMulti(l *slog.Logger, pubs ...Publisher) *Multi {
	if l == nil {
		l = slog.Default()
	}
	return &Multi{pubs: pubs, log: l}
}

func (m *Multi) Publish(ctx context.Context, e Event) error {
	var lastErr error
	for _, p := range m.pubs {
		if err := p.Publish(ctx, e); err != nil {
			lastErr = err
			m.log.Warn("event publish failed", "kind", e.Kind, "error", err)
		}
	}
	return lastErr
}

func (m *Multi) Close() error {
	var lastErr error
	for _, p := range m.pubs {
		if err := p.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
