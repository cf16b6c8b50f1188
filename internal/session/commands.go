package session

import (
	"context"

	"listener-calls/internal/billing"
	"listener-calls/internal/calls"
	"listener-calls/internal/governor"
	"listener-calls/internal/listeners"
	"listener-calls/internal/presence"
	"listener-calls/internal/signal"
)

// command is the closed set of messages the loop accepts.
type command interface{ isCommand() }

type (
	initiateCmd struct {
		callerID string
		conn     presence.Conn
		msg      signal.CallInitiate
		reply    chan error
	}
	acceptCmd struct {
		userID string
		msg    signal.CallAccept
		reply  chan error
	}
	rejectCmd struct {
		userID string
		msg    signal.CallReject
		reply  chan error
	}
	cancelCmd struct {
		userID string
		callID string
		reply  chan error
	}
	joinedCmd struct {
		userID string
		msg    signal.CallJoined
		reply  chan error
	}
	endCmd struct {
		userID string
		msg    signal.CallEnd
		reply  chan error
	}
	leftCmd struct {
		userID string
		msg    signal.CallLeft
		reply  chan error
	}
	disconnectCmd struct {
		userID string
		conn   presence.Conn
		reply  chan error
	}
	userJoinCmd struct {
		userID string
		conn   presence.Conn
		reply  chan error
	}
	listenerJoinCmd struct {
		userID string
		conn   presence.Conn
		reply  chan error
	}
	listenerOfflineCmd struct {
		userID string
		reply  chan error
	}
	markBusyCmd struct {
		listenerUserID string
		callID         string
		reply          chan error
	}
	releaseCmd struct {
		callID         string
		listenerUserID string
		endedBy        string
		reply          chan error
	}
	busyQuery struct {
		listenerUserID string
		reply          chan bool
	}
	statsQuery struct {
		reply chan Stats
	}
	sweepCmd struct {
		timers bool
		reply  chan int
	}
	syncCmd struct {
		reply chan struct{}
	}

	// Results posted back by background work and timers.
	checkResult struct {
		callID    string
		call      calls.Call
		callErr   error
		status    listeners.VerificationStatus
		found     bool
		verifyErr error
	}
	connectResult struct {
		callID string
		call   calls.Call
		cap    governor.Cap
		capErr error
		err    error
	}
	billResult struct {
		callID string
		secs   int
		res    billing.Result
		err    error
	}
	recoverResult struct {
		callID         string
		userID         string
		listenerUserID string
		otherUserID    string
		secs           int
		res            billing.Result
		err            error
	}
	statusResult struct {
		callID string
		status calls.CallStatus
		err    error
	}
	mirrorResult struct {
		op     string
		userID string
		callID string
		done   chan struct{}
		err    error
	}
	timerFired struct {
		callID string
	}
	presenceOffline struct {
		identity string
		role     string
	}
)

func (initiateCmd) isCommand()        {}
func (acceptCmd) isCommand()          {}
func (rejectCmd) isCommand()          {}
func (cancelCmd) isCommand()          {}
func (joinedCmd) isCommand()          {}
func (endCmd) isCommand()             {}
func (leftCmd) isCommand()            {}
func (disconnectCmd) isCommand()      {}
func (userJoinCmd) isCommand()        {}
func (listenerJoinCmd) isCommand()    {}
func (listenerOfflineCmd) isCommand() {}
func (markBusyCmd) isCommand()        {}
func (releaseCmd) isCommand()         {}
func (busyQuery) isCommand()          {}
func (statsQuery) isCommand()         {}
func (sweepCmd) isCommand()           {}
func (syncCmd) isCommand()            {}
func (checkResult) isCommand()        {}
func (connectResult) isCommand()      {}
func (billResult) isCommand()         {}
func (recoverResult) isCommand()      {}
func (statusResult) isCommand()       {}
func (mirrorResult) isCommand()       {}
func (timerFired) isCommand()         {}
func (presenceOffline) isCommand()    {}

func (m *Manager) dispatch(c command) {
	switch c := c.(type) {
	case initiateCmd:
		c.reply <- m.handleInitiate(c)
	case acceptCmd:
		c.reply <- m.handleAccept(c)
	case rejectCmd:
		c.reply <- m.handleReject(c)
	case cancelCmd:
		c.reply <- m.handleCancel(c.userID, c.callID)
	case joinedCmd:
		c.reply <- m.handleJoined(c)
	case endCmd:
		c.reply <- m.handleEnd(c)
	case leftCmd:
		c.reply <- m.handleLeft(c)
	case disconnectCmd:
		c.reply <- m.handleDisconnect(c)
	case userJoinCmd:
		c.reply <- m.handleUserJoin(c)
	case listenerJoinCmd:
		c.reply <- m.handleListenerJoin(c)
	case listenerOfflineCmd:
		m.deps.Presence.MarkOffline(c.userID)
		c.reply <- nil
	case markBusyCmd:
		c.reply <- m.handleMarkBusy(c)
	case releaseCmd:
		m.handleRelease(c)
		c.reply <- nil
	case busyQuery:
		_, ok := m.busy[c.listenerUserID]
		c.reply <- ok
	case statsQuery:
		c.reply <- m.stats()
	case sweepCmd:
		if c.timers {
			c.reply <- m.sweepTimers()
		} else {
			c.reply <- m.sweepPending()
		}
	case syncCmd:
		c.reply <- struct{}{}
	case checkResult:
		m.onChecked(c)
	case connectResult:
		m.onConnected(c)
	case billResult:
		m.onBilled(c)
	case recoverResult:
		m.onRecovered(c)
	case statusResult:
		if c.err != nil {
			m.callLog(c.callID).Error("call status update failed", "status", c.status, "error", c.err)
		}
	case mirrorResult:
		if c.done != nil && m.mirrorTail[c.userID] == c.done {
			delete(m.mirrorTail, c.userID)
		}
		if c.err != nil {
			m.log.Warn("busy mirror update failed", "op", c.op, "listener_user_id", c.userID, "call_id", c.callID, "error", c.err)
		}
	case timerFired:
		m.onTimerFired(c.callID)
	case presenceOffline:
		m.onPresenceOffline(c.identity, c.role)
	}
}

// Initiate rings listener msg.ListenerID on behalf of callerID. Offline and
// busy listeners fail synchronously. The stored row and the listener's
// verification are checked afterwards; a failure revokes the ring and
// arrives on conn as call:failed.
func (m *Manager) Initiate(ctx context.Context, callerID string, conn presence.Conn, msg signal.CallInitiate) error {
	reply := make(chan error, 1)
	return m.exec(ctx, initiateCmd{callerID: callerID, conn: conn, msg: msg, reply: reply}, reply)
}

func (m *Manager) Accept(ctx context.Context, listenerUserID string, msg signal.CallAccept) error {
	reply := make(chan error, 1)
	return m.exec(ctx, acceptCmd{userID: listenerUserID, msg: msg, reply: reply}, reply)
}

func (m *Manager) Reject(ctx context.Context, listenerUserID string, msg signal.CallReject) error {
	reply := make(chan error, 1)
	return m.exec(ctx, rejectCmd{userID: listenerUserID, msg: msg, reply: reply}, reply)
}

// Cancel withdraws a call that has not been accepted yet.
func (m *Manager) Cancel(ctx context.Context, callerID, callID string) error {
	reply := make(chan error, 1)
	return m.exec(ctx, cancelCmd{userID: callerID, callID: callID, reply: reply}, reply)
}

// Joined records that userID is in the media channel. The second distinct
// party to join starts the call.
func (m *Manager) Joined(ctx context.Context, userID string, msg signal.CallJoined) error {
	reply := make(chan error, 1)
	return m.exec(ctx, joinedCmd{userID: userID, msg: msg, reply: reply}, reply)
}

func (m *Manager) End(ctx context.Context, userID string, msg signal.CallEnd) error {
	reply := make(chan error, 1)
	return m.exec(ctx, endCmd{userID: userID, msg: msg, reply: reply}, reply)
}

func (m *Manager) Left(ctx context.Context, userID string, msg signal.CallLeft) error {
	reply := make(chan error, 1)
	return m.exec(ctx, leftCmd{userID: userID, msg: msg, reply: reply}, reply)
}

// Disconnect handles a closed connection. Stale connections that were
// already replaced are ignored.
func (m *Manager) Disconnect(ctx context.Context, userID string, conn presence.Conn) error {
	reply := make(chan error, 1)
	return m.exec(ctx, disconnectCmd{userID: userID, conn: conn, reply: reply}, reply)
}

func (m *Manager) UserJoin(ctx context.Context, userID string, conn presence.Conn) error {
	reply := make(chan error, 1)
	return m.exec(ctx, userJoinCmd{userID: userID, conn: conn, reply: reply}, reply)
}

func (m *Manager) ListenerJoin(ctx context.Context, listenerUserID string, conn presence.Conn) error {
	reply := make(chan error, 1)
	return m.exec(ctx, listenerJoinCmd{userID: listenerUserID, conn: conn, reply: reply}, reply)
}

func (m *Manager) ListenerOffline(ctx context.Context, listenerUserID string) error {
	reply := make(chan error, 1)
	return m.exec(ctx, listenerOfflineCmd{userID: listenerUserID, reply: reply}, reply)
}

// MarkBusy sets busy for a call started outside the websocket flow.
func (m *Manager) MarkBusy(ctx context.Context, listenerUserID, callID string) error {
	reply := make(chan error, 1)
	return m.exec(ctx, markBusyCmd{listenerUserID: listenerUserID, callID: callID, reply: reply}, reply)
}

// Release drops a call that was terminated and billed elsewhere: the timer
// is cancelled, busy cleared and the other party told.
func (m *Manager) Release(ctx context.Context, callID, listenerUserID, endedBy string) error {
	reply := make(chan error, 1)
	return m.exec(ctx, releaseCmd{callID: callID, listenerUserID: listenerUserID, endedBy: endedBy, reply: reply}, reply)
}

// IsBusy reports the authoritative in-memory busy flag.
func (m *Manager) IsBusy(ctx context.Context, listenerUserID string) (bool, error) {
	reply := make(chan bool, 1)
	if err := m.submit(ctx, busyQuery{listenerUserID: listenerUserID, reply: reply}); err != nil {
		return false, err
	}
	return await(ctx, m, reply)
}

// IsOnline reads presence directly; the registry is safe for concurrent use.
func (m *Manager) IsOnline(userID string) bool {
	return m.deps.Presence.IsOnline(userID)
}

// Stats is a point-in-time view of the session state.
type Stats struct {
	Pending   int      `json:"pending"`
	Accepted  int      `json:"accepted"`
	Active    int      `json:"active"`
	Busy      []string `json:"busy_listener_user_ids"`
	Online    []string `json:"online_listener_user_ids"`
	RetryBill int      `json:"billing_retries"`
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := m.submit(ctx, statsQuery{reply: reply}); err != nil {
		return Stats{}, err
	}
	return await(ctx, m, reply)
}

// SweepPending and SweepTimers run a maintenance pass now and report how many
// entries they removed.
func (m *Manager) SweepPending(ctx context.Context) (int, error) {
	return m.sweep(ctx, false)
}

func (m *Manager) SweepTimers(ctx context.Context) (int, error) {
	return m.sweep(ctx, true)
}

func (m *Manager) sweep(ctx context.Context, timers bool) (int, error) {
	reply := make(chan int, 1)
	if err := m.submit(ctx, sweepCmd{timers: timers, reply: reply}); err != nil {
		return 0, err
	}
	return await(ctx, m, reply)
}

func (m *Manager) sync(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	if err := m.submit(ctx, syncCmd{reply: reply}); err != nil {
		return err
	}
	_, err := await(ctx, m, reply)
	return err
}
