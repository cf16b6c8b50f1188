// Package presence maps identities to their live connection and debounces
// offline transitions so a quick reconnect does not flap visible status.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"listener-calls/internal/events"
	"listener-calls/internal/governor"
	"listener-calls/internal/signal"
)

var ErrOffline = errors.New("identity is offline")

// Conn is one live client connection.
type Conn interface {
	ID() string
	Send(ev signal.Event) error
	Close() error
}

const (
	RoleUser     = "user"
	RoleListener = "listener"
)

// Hooks run outside the registry lock.
type Hooks struct {
	OnOffline func(identity, role string)
}

type entry struct {
	conn    Conn
	role    string
	leaving governor.Stopper
}

type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	debounce time.Duration
	sched    governor.Scheduler
	pub      events.Publisher
	hooks    Hooks
	clock    func() time.Time
	log      *slog.Logger
}

func New(sched governor.Scheduler, debounce time.Duration, pub events.Publisher, l *slog.Logger) *Registry {
	if sched == nil {
		sched = governor.RealScheduler{}
	}
	if pub == nil {
		pub = events.Noop{}
	}
	if l == nil {
		l = slog.Default()
	}
	return &Registry{
		entries:  make(map[string]*entry),
		debounce: debounce,
		sched:    sched,
		pub:      pub,
		clock:    time.Now,
		log:      l,
	}
}

// SetHooks must be called before the registry is shared.
func (r *Registry) SetHooks(h Hooks) { r.hooks = h }

// Join registers conn for identity. A different previous connection is
// closed and a pending debounced leave is cancelled. It reports whether the
// identity came online (was not already visible).
func (r *Registry) Join(identity, role string, conn Conn) bool {
	r.mu.Lock()
	prev := r.entries[identity]
	var ghost Conn
	cameOnline := prev == nil
	if prev != nil {
		if prev.leaving != nil {
			prev.leaving.Stop()
		}
		if prev.conn.ID() != conn.ID() {
			ghost = prev.conn
		} else if prev.role == RoleListener {
			// A listener socket that also sends user:join stays a listener.
			role = RoleListener
		}
		// A user socket that later joins as listener is announced once.
		cameOnline = prev.role != role
	}
	r.entries[identity] = &entry{conn: conn, role: role}
	r.mu.Unlock()

	if ghost != nil {
		r.log.Info("evicting stale connection", "identity", identity, "conn_id", ghost.ID())
		_ = ghost.Close()
	}
	if cameOnline {
		r.publish(events.PresenceOnline, identity, role)
	}
	return cameOnline
}

// Leave schedules removal of identity after the debounce window, but only
// while conn is still the registered connection.
func (r *Registry) Leave(identity string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[identity]
	if e == nil || e.conn.ID() != conn.ID() {
		return false
	}
	if e.leaving != nil {
		return true
	}
	connID := conn.ID()
	e.leaving = r.sched.AfterFunc(r.debounce, func() { r.expire(identity, connID) })
	return true
}

func (r *Registry) expire(identity, connID string) {
	r.mu.Lock()
	e := r.entries[identity]
	if e == nil || e.conn.ID() != connID || e.leaving == nil {
		r.mu.Unlock()
		return
	}
	delete(r.entries, identity)
	r.mu.Unlock()

	r.offline(identity, e.role)
}

// MarkOffline removes identity immediately without closing its connection.
func (r *Registry) MarkOffline(identity string) bool {
	r.mu.Lock()
	e := r.entries[identity]
	if e == nil {
		r.mu.Unlock()
		return false
	}
	if e.leaving != nil {
		e.leaving.Stop()
	}
	delete(r.entries, identity)
	r.mu.Unlock()

	r.offline(identity, e.role)
	return true
}

func (r *Registry) offline(identity, role string) {
	r.publish(events.PresenceOffline, identity, role)
	if r.hooks.OnOffline != nil {
		r.hooks.OnOffline(identity, role)
	}
}

func (r *Registry) IsOnline(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[identity]
	return ok
}

func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[identity]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Superseded reports whether a connection other than conn is registered for
// identity. A connection that was removed without replacement is not.
func (r *Registry) Superseded(identity string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[identity]
	return ok && e.conn.ID() != conn.ID()
}

// Online lists identities with the given role, sorted. An empty role lists all.
func (r *Registry) Online(role string) []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if role == "" || e.role == role {
			out = append(out, id)
		}
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Send delivers ev to identity's connection.
func (r *Registry) Send(identity string, ev signal.Event) error {
	conn, ok := r.Lookup(identity)
	if !ok {
		return ErrOffline
	}
	return conn.Send(ev)
}

// Broadcast sends ev to every live connection. Failed sends are logged.
func (r *Registry) Broadcast(ev signal.Event) {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.entries))
	for _, e := range r.entries {
		conns = append(conns, e.conn)
	}
	r.mu.Unlock()

	for _, c := range conns {
		if err := c.Send(ev); err != nil {
			r.log.Debug("broadcast send failed", "conn_id", c.ID(), "event", ev.EventType(), "error", err)
		}
	}
}

// Close cancels pending debounced leaves. Registered connections are left
// to their owners.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.leaving != nil {
			e.leaving.Stop()
			e.leaving = nil
		}
	}
}

func (r *Registry) publish(kind events.Kind, identity, role string) {
	ev := events.Event{Kind: kind, UserID: identity, Role: role, At: r.clock()}
	if err := r.pub.Publish(context.Background(), ev); err != nil {
		r.log.Warn("presence publish failed", "identity", identity, "kind", kind, "error", err)
	}
}
