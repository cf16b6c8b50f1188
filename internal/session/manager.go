// Package session coordinates live calls: presence passthrough, busy
// exclusivity, the pending/accepted/connected lifecycle, the duration cap
// and exactly-once hand-off to billing.
//
// All session state is owned by one goroutine (Run). Public methods send a
// command and wait for its reply; slow work runs in background goroutines
// that post typed results back to the loop.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"listener-calls/internal/billing"
	"listener-calls/internal/busy"
	"listener-calls/internal/calls"
	"listener-calls/internal/config"
	"listener-calls/internal/events"
	"listener-calls/internal/governor"
	"listener-calls/internal/listeners"
	"listener-calls/internal/presence"
	"listener-calls/internal/pricing"
	"listener-calls/internal/signal"
)

var (
	ErrListenerOffline     = calls.ErrListenerUnavailable
	ErrListenerBusy        = calls.ErrListenerBusy
	ErrListenerNotApproved = calls.ErrListenerNotApproved
	ErrNotParty            = calls.ErrNotParty
	ErrInvalidArgument     = calls.ErrInvalidArgument
	ErrUnknownCall         = errors.New("call is not tracked by this session")
	ErrDuplicateCall       = errors.New("call is already tracked")
	ErrCallUnchecked       = errors.New("call is still being checked")
	ErrStopped             = errors.New("session manager stopped")
)

// Biller finalizes a call exactly once.
type Biller interface {
	Finalize(ctx context.Context, callID string, durationSeconds int) (billing.Result, error)
}

// CallStore is the call-row side of signaling.
type CallStore interface {
	Get(ctx context.Context, callID, requesterID string, admin bool) (calls.Call, error)
	MarkStarted(ctx context.Context, callID string) (calls.Call, error)
	MarkStatus(ctx context.Context, callID string, to calls.CallStatus) error
	ResolveEnd(ctx context.Context, callID, requesterID string, reportedSeconds int, admin bool) (calls.Call, int, error)
}

// Verifier reads a listener's verification status by user id.
type Verifier interface {
	VerificationStatus(ctx context.Context, userID string) (listeners.VerificationStatus, bool, error)
}

// Capper computes and arms the duration cap.
type Capper interface {
	ComputeCap(ctx context.Context, callerID string, rate pricing.Rate) (governor.Cap, error)
	Arm(c governor.Cap, onExpire func()) *governor.Task
}

// OnlineStore mirrors listener presence into the listeners table.
type OnlineStore interface {
	SetOnlineByUserID(ctx context.Context, userID string, online bool) error
}

type Deps struct {
	Presence *presence.Registry
	Calls    CallStore
	Billing  Biller
	Verifier Verifier
	Governor Capper
	Busy     busy.Mirror
	Online   OnlineStore
	Events   events.Publisher
	Timings  config.SessionConfig
	Clock    func() time.Time
	Logger   *slog.Logger
}

type phase int

const (
	phasePending phase = iota
	phaseAccepted
	// phaseConnecting is the re-entrancy guard: the connect sequence is in
	// flight and further joins are ignored.
	phaseConnecting
	phaseActive
)

func (p phase) String() string {
	switch p {
	case phasePending:
		return "pending"
	case phaseAccepted:
		return "accepted"
	case phaseConnecting:
		return "connecting"
	default:
		return "active"
	}
}

// callState is the in-memory record of one live call. Pending entries carry
// the rung listener connection; checked is set once the stored row and the
// listener's verification came back clean. Active entries carry the expiry
// task.
type callState struct {
	id             string
	callerID       string
	listenerUserID string
	callerName     string
	callType       string
	phase          phase
	checked        bool
	callerConn     presence.Conn
	listenerConn   presence.Conn
	createdAt      time.Time
	acceptedAt     time.Time
	channel        string
	joined         map[string]struct{}

	startedAt time.Time
	cap       governor.Cap
	capKnown  bool
	task      *governor.Task
}

func (s *callState) hasParty(userID string) bool {
	return userID != "" && (userID == s.callerID || userID == s.listenerUserID)
}

func (s *callState) other(userID string) string {
	if userID == s.callerID {
		return s.listenerUserID
	}
	return s.callerID
}

// Manager is the call signaling coordinator.
type Manager struct {
	deps  Deps
	log   *slog.Logger
	clock func() time.Time

	cmds     chan command
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	bg       context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
	inflight atomic.Int64

	// Loop-owned.
	calls map[string]*callState
	busy  map[string]string // listener user id -> call id
	retry map[string]int    // call id -> seconds, failed billing to retry
	// mirrorTail is the last queued mirror write per listener.
	mirrorTail map[string]chan struct{}
}

func New(d Deps) *Manager {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Busy == nil {
		d.Busy = busy.Noop{}
	}
	if d.Events == nil {
		d.Events = events.Noop{}
	}
	t := d.Timings
	def := config.DefaultSession()
	if t.PendingCallTTL <= 0 {
		t.PendingCallTTL = def.PendingCallTTL
	}
	if t.PendingSweepInterval <= 0 {
		t.PendingSweepInterval = def.PendingSweepInterval
	}
	if t.TimerSweepInterval <= 0 {
		t.TimerSweepInterval = def.TimerSweepInterval
	}
	if t.TimerSweepGrace <= 0 {
		t.TimerSweepGrace = def.TimerSweepGrace
	}
	if t.UncappedCallLimit <= 0 {
		t.UncappedCallLimit = def.UncappedCallLimit
	}
	d.Timings = t

	bg, cancel := context.WithCancel(context.Background())
	m := &Manager{
		deps:     d,
		log:      d.Logger,
		clock:    d.Clock,
		cmds:     make(chan command),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		bg:       bg,
		bgCancel: cancel,
		calls:    make(map[string]*callState),
		busy:     make(map[string]string),
		retry:    make(map[string]int),

		mirrorTail: make(map[string]chan struct{}),
	}
	d.Presence.SetHooks(presence.Hooks{
		OnOffline: func(identity, role string) {
			// Runs on the debounce timer or inside MarkOffline on the loop.
			m.postAsync(presenceOffline{identity: identity, role: role})
		},
	})
	return m
}

// Run owns the session state until ctx is cancelled or Shutdown is called.
func (m *Manager) Run(ctx context.Context) {
	pendingTick := time.NewTicker(m.deps.Timings.PendingSweepInterval)
	timerTick := time.NewTicker(m.deps.Timings.TimerSweepInterval)
	defer func() {
		pendingTick.Stop()
		timerTick.Stop()
		m.teardown()
		close(m.done)
	}()

	m.log.Info("session manager started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case c := <-m.cmds:
			m.dispatch(c)
		case <-pendingTick.C:
			m.sweepPending()
		case <-timerTick.C:
			m.sweepTimers()
		}
	}
}

// Shutdown stops the loop and waits for background work, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	defer m.bgCancel()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown runs on the loop as it exits. Ongoing calls are billed for the
// time they ran; nothing in memory survives a restart.
func (m *Manager) teardown() {
	tracked := len(m.calls)
	for _, st := range m.calls {
		if st.phase == phaseActive {
			m.notifyBoth(st, signal.CallEnded{CallID: st.id, ChannelName: st.channel, Reason: signal.ReasonCancelled})
			m.finish(st, m.cappedElapsed(st), "")
			continue
		}
		st.task.Cancel()
	}
	m.deps.Presence.Close()
	m.log.Info("session manager stopped", "calls_tracked", tracked)
	m.calls = map[string]*callState{}
}

// spawn runs fn off the loop and posts its result back.
func (m *Manager) spawn(fn func(ctx context.Context) command) {
	m.inflight.Add(1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.inflight.Add(-1)
		if res := fn(m.bg); res != nil {
			m.post(res)
		}
	}()
}

// postAsync posts from any goroutine, including the loop itself.
func (m *Manager) postAsync(c command) {
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Add(-1)
		m.post(c)
	}()
}

func (m *Manager) post(c command) {
	select {
	case m.cmds <- c:
	case <-m.done:
	}
}

func (m *Manager) submit(ctx context.Context, c command) error {
	select {
	case m.cmds <- c:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[T any](ctx context.Context, m *Manager, reply chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-m.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// exec submits c and waits for its error reply.
func (m *Manager) exec(ctx context.Context, c command, reply chan error) error {
	if err := m.submit(ctx, c); err != nil {
		return err
	}
	err, waitErr := await(ctx, m, reply)
	if waitErr != nil {
		return waitErr
	}
	return err
}

func (m *Manager) callLog(callID string) *slog.Logger {
	return m.log.With("call_id", callID)
}

func (m *Manager) sendTo(userID string, ev signal.Event) {
	if userID == "" {
		return
	}
	if err := m.deps.Presence.Send(userID, ev); err != nil {
		m.log.Debug("event not delivered", "user_id", userID, "event", ev.EventType(), "error", err)
	}
}

func (m *Manager) sendConn(conn presence.Conn, ev signal.Event) {
	if conn == nil {
		return
	}
	if err := conn.Send(ev); err != nil {
		m.log.Debug("event not delivered", "conn_id", conn.ID(), "event", ev.EventType(), "error", err)
	}
}

func (m *Manager) notifyBoth(st *callState, ev signal.Event) {
	m.sendTo(st.callerID, ev)
	m.sendTo(st.listenerUserID, ev)
}

func (m *Manager) publish(e events.Event) {
	e.At = m.clock().UTC()
	if err := m.deps.Events.Publish(m.bg, e); err != nil {
		m.log.Warn("event publish failed", "kind", e.Kind, "error", err)
	}
}

func (m *Manager) setBusy(listenerUserID, callID string) {
	m.busy[listenerUserID] = callID
	m.deps.Presence.Broadcast(signal.ListenerBusyStatus{ListenerUserID: listenerUserID, Busy: true})
	m.publish(events.Event{Kind: events.ListenerBusy, UserID: listenerUserID, CallID: callID})
	m.mirror("set", listenerUserID, callID, m.deps.Busy.Set)
}

// clearBusy frees userID when it is busy on callID. An empty callID frees it
// whatever call holds it. The mirror is cleared even when memory was clean.
func (m *Manager) clearBusy(userID, callID string, mirror bool) {
	if userID == "" {
		return
	}
	held, ok := m.busy[userID]
	if ok && (callID == "" || held == callID) {
		delete(m.busy, userID)
		m.deps.Presence.Broadcast(signal.ListenerBusyStatus{ListenerUserID: userID, Busy: false})
		m.publish(events.Event{Kind: events.ListenerFree, UserID: userID, CallID: held})
		mirror = true
		callID = held
	}
	if !mirror {
		return
	}
	m.mirror("clear", userID, callID, m.deps.Busy.Clear)
}

// mirror queues a busy mirror write behind the previous one for the same
// listener, so writes land in the order the loop issued them.
func (m *Manager) mirror(op, userID, callID string, write func(ctx context.Context, listenerUserID, callID string) error) {
	prev := m.mirrorTail[userID]
	done := make(chan struct{})
	m.mirrorTail[userID] = done
	m.spawn(func(ctx context.Context) command {
		defer close(done)
		if prev != nil {
			<-prev
		}
		return mirrorResult{op: op, userID: userID, callID: callID, done: done, err: write(ctx, userID, callID)}
	})
}

func (m *Manager) markStatus(callID string, to calls.CallStatus) {
	m.spawn(func(ctx context.Context) command {
		return statusResult{callID: callID, status: to, err: m.deps.Calls.MarkStatus(ctx, callID, to)}
	})
}

// markChecked records a terminal status for a pending call whose row was
// confirmed. Unconfirmed ids may be forged and are left alone.
func (m *Manager) markChecked(st *callState, to calls.CallStatus) {
	if st.checked {
		m.markStatus(st.id, to)
	}
}

func (m *Manager) elapsed(st *callState) int {
	d := m.clock().Sub(st.startedAt)
	if d <= 0 {
		return 0
	}
	return int(d.Round(time.Second) / time.Second)
}

// cappedElapsed is the wall-clock duration limited to the cap. Calls whose
// cap could not be computed bill the raw elapsed time; billing still caps
// the charge to the wallet.
func (m *Manager) cappedElapsed(st *callState) int {
	e := m.elapsed(st)
	if st.capKnown && e > st.cap.MaxAllowedSeconds {
		return st.cap.MaxAllowedSeconds
	}
	return e
}

// finish removes st, clears busy for both parties and bills secs.
func (m *Manager) finish(st *callState, secs int, endedBy string) {
	st.task.Cancel()
	delete(m.calls, st.id)
	m.clearBusy(st.listenerUserID, st.id, true)
	m.clearBusy(st.callerID, st.id, false)
	m.publish(events.Event{Kind: events.CallEnded, CallID: st.id, UserID: endedBy})
	m.bill(st.id, secs)
}

// abort drops a call the store does not back. Nothing is billed.
func (m *Manager) abort(st *callState) {
	m.notifyBoth(st, signal.CallEnded{CallID: st.id, ChannelName: st.channel, Reason: signal.ReasonCancelled})
	st.task.Cancel()
	delete(m.calls, st.id)
	m.clearBusy(st.listenerUserID, st.id, true)
	m.clearBusy(st.callerID, st.id, false)
}

func (m *Manager) bill(callID string, secs int) {
	if secs < 0 {
		secs = 0
	}
	m.spawn(func(ctx context.Context) command {
		res, err := m.deps.Billing.Finalize(ctx, callID, secs)
		return billResult{callID: callID, secs: secs, res: res, err: err}
	})
}
