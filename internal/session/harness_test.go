package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"listener-calls/internal/billing"
	"listener-calls/internal/busy"
	"listener-calls/internal/calls"
	"listener-calls/internal/config"
	"listener-calls/internal/governor"
	"listener-calls/internal/listeners"
	"listener-calls/internal/presence"
	"listener-calls/internal/pricing"
	"listener-calls/internal/signal"
	"listener-calls/pkg/logger"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	sent   []signal.Event
	closed bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev signal.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, ev)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) of(eventType string) []signal.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []signal.Event
	for _, ev := range c.sent {
		if ev.EventType() == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) last(t *testing.T, eventType string) signal.Event {
	t.Helper()
	evs := c.of(eventType)
	if len(evs) == 0 {
		t.Fatalf("conn %s received no %s event", c.id, eventType)
	}
	return evs[len(evs)-1]
}

type fakeCalls struct {
	mu       sync.Mutex
	byID     map[string]calls.Call
	statuses map[string][]calls.CallStatus
	started  int
	startErr error
	// getGate, when set, holds Get until it is closed.
	getGate chan struct{}
}

func (f *fakeCalls) Get(_ context.Context, callID, requesterID string, _ bool) (calls.Call, error) {
	f.mu.Lock()
	gate := f.getGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[callID]
	if !ok {
		return calls.Call{}, calls.ErrCallNotFound
	}
	if !c.HasParty(requesterID) {
		return calls.Call{}, calls.ErrNotParty
	}
	return c, nil
}

func (f *fakeCalls) setStatus(callID string, to calls.CallStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.byID[callID]
	c.Status = to
	f.byID[callID] = c
}

func (f *fakeCalls) MarkStarted(_ context.Context, callID string) (calls.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	if f.startErr != nil {
		return calls.Call{}, f.startErr
	}
	c, ok := f.byID[callID]
	if !ok {
		return calls.Call{}, calls.ErrCallNotFound
	}
	c.Status = calls.CallStatusOngoing
	f.byID[callID] = c
	return c, nil
}

func (f *fakeCalls) MarkStatus(_ context.Context, callID string, to calls.CallStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[callID] = append(f.statuses[callID], to)
	return nil
}

func (f *fakeCalls) ResolveEnd(_ context.Context, callID, requesterID string, reported int, _ bool) (calls.Call, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[callID]
	if !ok {
		return calls.Call{}, 0, calls.ErrCallNotFound
	}
	if !c.HasParty(requesterID) {
		return calls.Call{}, 0, calls.ErrNotParty
	}
	return c, reported, nil
}

func (f *fakeCalls) statusesOf(callID string) []calls.CallStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]calls.CallStatus(nil), f.statuses[callID]...)
}

func (f *fakeCalls) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

type billed struct {
	callID string
	secs   int
}

type fakeBiller struct {
	mu   sync.Mutex
	done []billed
	errs []error
}

func (b *fakeBiller) Finalize(_ context.Context, callID string, secs int) (billing.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = append(b.done, billed{callID: callID, secs: secs})
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		return billing.Result{}, err
	}
	return billing.Result{CallID: callID, DurationSeconds: secs, Minutes: pricing.BillableMinutes(secs)}, nil
}

func (b *fakeBiller) all() []billed {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]billed(nil), b.done...)
}

type fakeWallets struct {
	mu  sync.Mutex
	bal map[string]int64
}

func (w *fakeWallets) BalanceMinor(_ context.Context, userID string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bal[userID], nil
}

type fakeVerifier struct {
	mu     sync.Mutex
	status map[string]listeners.VerificationStatus
}

func (v *fakeVerifier) VerificationStatus(_ context.Context, userID string) (listeners.VerificationStatus, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.status[userID]
	return s, ok, nil
}

type fakeMirror struct {
	mu      sync.Mutex
	set     []string
	cleared []string
}

func (f *fakeMirror) Set(_ context.Context, id, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set = append(f.set, id+"/"+callID)
	return nil
}

func (f *fakeMirror) Clear(_ context.Context, id, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, id+"/"+callID)
	return nil
}

func (f *fakeMirror) Reset(context.Context) (int, error) { return 0, nil }

func (f *fakeMirror) snapshot() (set, cleared []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.set...), append([]string(nil), f.cleared...)
}

type fakeOnline struct {
	mu     sync.Mutex
	online map[string]bool
}

func (f *fakeOnline) SetOnlineByUserID(_ context.Context, userID string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[userID] = online
	return nil
}

func (f *fakeOnline) get(userID string) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.online[userID]
	return v, ok
}

// flagMirror keeps one is_busy flag per listener, last write wins like the
// listeners table. Set can be slowed down.
type flagMirror struct {
	mu      sync.Mutex
	busy    map[string]bool
	setWait time.Duration
}

func (f *flagMirror) Set(_ context.Context, id, _ string) error {
	time.Sleep(f.setWait)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy[id] = true
	return nil
}

func (f *flagMirror) Clear(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy[id] = false
	return nil
}

func (f *flagMirror) Reset(context.Context) (int, error) { return 0, nil }

func (f *flagMirror) isBusy(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy[id]
}

// lostTimers computes real caps but never arms an expiry.
type lostTimers struct{ *governor.Governor }

func (lostTimers) Arm(governor.Cap, func()) *governor.Task { return nil }

type harness struct {
	t        *testing.T
	m        *Manager
	sched    *governor.ManualScheduler
	presence *presence.Registry
	calls    *fakeCalls
	biller   *fakeBiller
	wallets  *fakeWallets
	verifier *fakeVerifier
	mirror   *fakeMirror
	online   *fakeOnline
}

type harnessOpt func(*Deps, *harness)

func withLostTimers() harnessOpt {
	return func(d *Deps, h *harness) {
		d.Governor = lostTimers{governor.New(h.wallets, h.sched, 3*time.Second)}
	}
}

func withMirror(mirror busy.Mirror) harnessOpt {
	return func(d *Deps, _ *harness) {
		d.Busy = mirror
	}
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	sched := governor.NewManualScheduler(t0)
	h := &harness{
		t:        t,
		sched:    sched,
		presence: presence.New(sched, time.Second, nil, logger.Discard()),
		calls:    &fakeCalls{byID: map[string]calls.Call{}, statuses: map[string][]calls.CallStatus{}},
		biller:   &fakeBiller{},
		wallets:  &fakeWallets{bal: map[string]int64{}},
		verifier: &fakeVerifier{status: map[string]listeners.VerificationStatus{}},
		mirror:   &fakeMirror{},
		online:   &fakeOnline{online: map[string]bool{}},
	}
	d := Deps{
		Presence: h.presence,
		Calls:    h.calls,
		Billing:  h.biller,
		Verifier: h.verifier,
		Governor: governor.New(h.wallets, sched, 3*time.Second),
		Busy:     h.mirror,
		Online:   h.online,
		Timings:  config.DefaultSession(),
		Clock:    sched.Now,
		Logger:   logger.Discard(),
	}
	for _, o := range opts {
		o(&d, h)
	}
	h.m = New(d)

	ctx, cancel := context.WithCancel(context.Background())
	go h.m.Run(ctx)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = h.m.Shutdown(sctx)
		cancel()
	})
	return h
}

// settle waits until every background result has been processed.
func (h *harness) settle() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		if h.m.inflight.Load() == 0 {
			if err := h.m.sync(ctx); err != nil {
				h.t.Fatalf("sync: %v", err)
			}
			if h.m.inflight.Load() == 0 {
				return
			}
		}
		select {
		case <-ctx.Done():
			h.t.Fatalf("session did not settle")
		case <-time.After(time.Millisecond):
		}
	}
}

func (h *harness) addCall(callID, callerID, listenerUserID string, rateMinor int64) {
	h.calls.mu.Lock()
	defer h.calls.mu.Unlock()
	h.calls.byID[callID] = calls.Call{
		CallID:         callID,
		CallerID:       callerID,
		ListenerID:     "L-" + listenerUserID,
		ListenerUserID: listenerUserID,
		RateMinor:      rateMinor,
		RatePer:        1,
		Status:         calls.CallStatusPending,
		CreatedAt:      t0,
	}
}

func (h *harness) setBalance(userID string, bal int64) {
	h.wallets.mu.Lock()
	defer h.wallets.mu.Unlock()
	h.wallets.bal[userID] = bal
}

func (h *harness) user(userID, connID string) *fakeConn {
	h.t.Helper()
	c := &fakeConn{id: connID}
	if err := h.m.UserJoin(context.Background(), userID, c); err != nil {
		h.t.Fatalf("user join: %v", err)
	}
	return c
}

func (h *harness) listener(userID, connID string) *fakeConn {
	h.t.Helper()
	c := &fakeConn{id: connID}
	if err := h.m.ListenerJoin(context.Background(), userID, c); err != nil {
		h.t.Fatalf("listener join: %v", err)
	}
	return c
}

func (h *harness) isBusy(listenerUserID string) bool {
	h.t.Helper()
	b, err := h.m.IsBusy(context.Background(), listenerUserID)
	if err != nil {
		h.t.Fatalf("is busy: %v", err)
	}
	return b
}

func (h *harness) stats() Stats {
	h.t.Helper()
	s, err := h.m.Stats(context.Background())
	if err != nil {
		h.t.Fatalf("stats: %v", err)
	}
	return s
}

// ring initiates callID from caller to listener and settles. The call row
// is created when the test did not add one.
func (h *harness) ring(callerID string, callerConn *fakeConn, callID, listenerUserID string) {
	h.t.Helper()
	h.calls.mu.Lock()
	_, ok := h.calls.byID[callID]
	h.calls.mu.Unlock()
	if !ok {
		h.addCall(callID, callerID, listenerUserID, 4)
	}
	msg := signal.CallInitiate{CallID: callID, ListenerID: listenerUserID, CallType: "audio"}
	if err := h.m.Initiate(context.Background(), callerID, callerConn, msg); err != nil {
		h.t.Fatalf("initiate: %v", err)
	}
	h.settle()
}

// connect rings, accepts and joins both parties.
func (h *harness) connect(callerID string, callerConn *fakeConn, callID, listenerUserID string) {
	h.t.Helper()
	ctx := context.Background()
	h.ring(callerID, callerConn, callID, listenerUserID)
	if err := h.m.Accept(ctx, listenerUserID, signal.CallAccept{CallID: callID, CallerID: callerID}); err != nil {
		h.t.Fatalf("accept: %v", err)
	}
	for _, id := range []string{callerID, listenerUserID} {
		if err := h.m.Joined(ctx, id, signal.CallJoined{CallID: callID, ChannelName: "ch-" + callID}); err != nil {
			h.t.Fatalf("joined: %v", err)
		}
	}
	h.settle()
}

func (h *harness) billedFor(callID string) []billed {
	var out []billed
	for _, b := range h.biller.all() {
		if b.callID == callID {
			out = append(out, b)
		}
	}
	return out
}

var errTransient = errors.New("db unavailable")
