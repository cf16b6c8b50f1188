package session

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"listener-calls/internal/calls"
	"listener-calls/internal/events"
	"listener-calls/internal/listeners"
	"listener-calls/internal/presence"
	"listener-calls/internal/pricing"
	"listener-calls/internal/signal"
)

func (m *Manager) handleInitiate(c initiateCmd) error {
	msg := c.msg
	if c.callerID == "" || msg.ListenerID == c.callerID {
		return ErrInvalidArgument
	}
	if _, ok := m.calls[msg.CallID]; ok {
		return ErrDuplicateCall
	}
	log := m.callLog(msg.CallID).With("caller_id", c.callerID, "listener_user_id", msg.ListenerID)

	lconn, ok := m.deps.Presence.Lookup(msg.ListenerID)
	if !ok {
		log.Info("call failed, listener offline")
		m.sendConn(c.conn, signal.CallFailed{CallID: msg.CallID, Reason: signal.ReasonListenerOffline, Message: "Listener is offline"})
		return ErrListenerOffline
	}
	if held, busy := m.busy[msg.ListenerID]; busy {
		log.Info("call failed, listener busy", "active_call_id", held)
		m.sendConn(c.conn, signal.CallBusy{
			CallID:     msg.CallID,
			ListenerID: msg.ListenerID,
			Reason:     signal.ReasonListenerBusy,
			Message:    "Listener is busy on another call",
		})
		return ErrListenerBusy
	}

	st := &callState{
		id:             msg.CallID,
		callerID:       c.callerID,
		listenerUserID: msg.ListenerID,
		callerName:     msg.CallerName,
		callType:       msg.CallType,
		phase:          phasePending,
		callerConn:     c.conn,
		listenerConn:   lconn,
		createdAt:      m.clock(),
		joined:         make(map[string]struct{}, 2),
	}
	m.calls[st.id] = st
	m.sendConn(lconn, signal.IncomingCall{
		CallID:     st.id,
		CallerID:   st.callerID,
		CallerName: st.callerName,
		CallType:   st.callType,
	})

	callID, callerID, listenerUserID := st.id, st.callerID, st.listenerUserID
	m.spawn(func(ctx context.Context) command {
		r := checkResult{callID: callID}
		r.call, r.callErr = m.deps.Calls.Get(ctx, callID, callerID, false)
		if r.callErr == nil && m.deps.Verifier != nil {
			r.status, r.found, r.verifyErr = m.deps.Verifier.VerificationStatus(ctx, listenerUserID)
		}
		return r
	})
	log.Info("call ringing, checks pending")
	return nil
}

var errCallMismatch = errors.New("stored call belongs to other parties")

// ringable reports why the stored row cannot back the ring in st.
func ringable(r checkResult, st *callState) error {
	switch {
	case r.callErr != nil:
		return r.callErr
	case r.call.CallerID != st.callerID || r.call.ListenerUserID != st.listenerUserID:
		return errCallMismatch
	case r.call.Status != calls.CallStatusPending:
		return fmt.Errorf("%w: call is %s", calls.ErrInvalidTransition, r.call.Status)
	}
	return nil
}

// onChecked confirms or revokes a ring. A revoked call never touches a row
// that is not provably this caller's pending call.
func (m *Manager) onChecked(r checkResult) {
	st := m.calls[r.callID]
	if st == nil || st.checked {
		return
	}
	log := m.callLog(r.callID).With("caller_id", st.callerID, "listener_user_id", st.listenerUserID)
	if err := ringable(r, st); err != nil {
		log.Warn("ring revoked, call cannot be placed", "error", err)
		delete(m.calls, st.id)
		m.sendConn(st.callerConn, signal.CallFailed{CallID: st.id, Reason: signal.ReasonInvalidCall, Message: "Call cannot be placed"})
		m.sendConn(st.listenerConn, signal.CallEnded{CallID: st.id, Reason: signal.ReasonCancelled, Code: signal.ReasonInvalidCall})
		return
	}
	switch {
	case r.verifyErr != nil:
		log.Warn("listener verification check failed, call allowed", "error", r.verifyErr)
	case r.found && r.status != listeners.VerificationApproved:
		// A user without a listener profile is not gated.
		log.Warn("listener not approved, ring revoked", "status", r.status)
		delete(m.calls, st.id)
		m.sendConn(st.callerConn, signal.CallFailed{CallID: st.id, Reason: signal.ReasonListenerNotApproved, Message: "Listener not approved yet"})
		m.sendConn(st.listenerConn, signal.CallEnded{CallID: st.id, Reason: signal.ReasonCancelled, Code: signal.CodeVerificationFailed})
		m.markStatus(st.id, calls.CallStatusCancelled)
		return
	}

	st.checked = true
	m.markStatus(st.id, calls.CallStatusRinging)
	log.Info("call checked")
}

func (m *Manager) handleAccept(c acceptCmd) error {
	st := m.calls[c.msg.CallID]
	if st == nil || st.phase != phasePending {
		return ErrUnknownCall
	}
	if c.userID != st.listenerUserID {
		return ErrNotParty
	}
	if !st.checked {
		return ErrCallUnchecked
	}
	if held, ok := m.busy[c.userID]; ok && held != st.id {
		delete(m.calls, st.id)
		m.sendTo(st.callerID, signal.CallBusy{CallID: st.id, ListenerID: c.userID, Reason: signal.ReasonListenerBusy})
		m.markStatus(st.id, calls.CallStatusMissed)
		return ErrListenerBusy
	}

	st.phase = phaseAccepted
	st.acceptedAt = m.clock()
	st.listenerConn = nil
	m.setBusy(c.userID, st.id)
	m.sendTo(st.callerID, signal.CallAccepted{CallID: st.id, ListenerID: c.userID})
	m.callLog(st.id).Info("call accepted", "listener_user_id", c.userID)
	return nil
}

func (m *Manager) handleReject(c rejectCmd) error {
	st := m.calls[c.msg.CallID]
	if st == nil || st.phase != phasePending {
		return ErrUnknownCall
	}
	if c.userID != st.listenerUserID {
		return ErrNotParty
	}
	m.rejectPending(st)
	return nil
}

func (m *Manager) rejectPending(st *callState) {
	delete(m.calls, st.id)
	m.sendTo(st.callerID, signal.CallRejected{CallID: st.id, ListenerID: st.listenerUserID})
	m.markChecked(st, calls.CallStatusRejected)
	m.callLog(st.id).Info("call rejected")
}

func (m *Manager) handleCancel(userID, callID string) error {
	st := m.calls[callID]
	if st == nil {
		return ErrUnknownCall
	}
	if !st.hasParty(userID) {
		return ErrNotParty
	}
	if st.phase != phasePending {
		m.endTracked(st, userID)
		return nil
	}
	if userID != st.callerID {
		m.rejectPending(st)
		return nil
	}
	delete(m.calls, st.id)
	m.sendConn(st.listenerConn, signal.CallEnded{
		CallID:  st.id,
		EndedBy: userID,
		Reason:  signal.ReasonCallerCancelled,
		Code:    signal.ReasonCallerCancelled,
	})
	m.markChecked(st, calls.CallStatusCancelled)
	m.callLog(st.id).Info("call cancelled by caller")
	return nil
}

func (m *Manager) handleJoined(c joinedCmd) error {
	st := m.calls[c.msg.CallID]
	if st == nil {
		return ErrUnknownCall
	}
	if !st.hasParty(c.userID) {
		return ErrNotParty
	}
	if st.phase == phasePending {
		return calls.ErrInvalidTransition
	}
	if st.channel == "" {
		st.channel = c.msg.ChannelName
	}
	st.joined[c.userID] = struct{}{}
	if len(st.joined) < 2 || st.phase != phaseAccepted {
		return nil
	}

	st.phase = phaseConnecting
	callID := st.id
	m.spawn(func(ctx context.Context) command {
		call, err := m.deps.Calls.MarkStarted(ctx, callID)
		if err != nil {
			return connectResult{callID: callID, err: err}
		}
		cp, capErr := m.deps.Governor.ComputeCap(ctx, call.CallerID, call.Rate())
		return connectResult{callID: callID, call: call, cap: cp, capErr: capErr}
	})
	return nil
}

func (m *Manager) onConnected(r connectResult) {
	st := m.calls[r.callID]
	log := m.callLog(r.callID)
	if st == nil || st.phase != phaseConnecting {
		log.Debug("call ended while connecting")
		return
	}
	if r.err == nil && (r.call.CallerID != st.callerID || r.call.ListenerUserID != st.listenerUserID) {
		log.Error("stored call parties differ from signaling parties",
			"caller_id", st.callerID, "listener_user_id", st.listenerUserID)
		m.abort(st)
		return
	}
	if r.err != nil && !retryable(r.err) {
		log.Warn("call cannot be started, ending it", "error", r.err)
		m.abort(st)
		return
	}

	st.phase = phaseActive
	st.startedAt = m.clock()
	if r.err != nil || r.capErr != nil {
		// Connect without a cap. The call runs until an explicit end, a
		// disconnect or the uncapped limit; billing still caps the charge.
		log.Error("could not compute duration cap, connecting uncapped", "start_error", r.err, "cap_error", r.capErr)
		ev := signal.CallConnected{CallID: st.id, ChannelName: st.channel}
		if r.err == nil {
			ev.RatePerMinute = r.call.Rate().String()
		}
		m.notifyBoth(st, ev)
		return
	}

	st.cap = r.cap
	st.capKnown = true
	if r.cap.MaxAllowedSeconds <= 0 {
		log.Info("zero balance at connect, ending call", "caller_id", st.callerID)
		m.notifyBoth(st, signal.CallEnded{
			CallID:      st.id,
			ChannelName: st.channel,
			Reason:      signal.ReasonBalanceExhausted,
			Code:        signal.CodeZeroBalance,
		})
		m.finish(st, 0, "")
		return
	}

	callID := st.id
	st.task = m.deps.Governor.Arm(r.cap, func() { m.post(timerFired{callID: callID}) })
	m.notifyBoth(st, signal.CallConnected{
		CallID:            st.id,
		ChannelName:       st.channel,
		MaxAllowedSeconds: r.cap.MaxAllowedSeconds,
		RatePerMinute:     r.call.Rate().String(),
	})
	m.publish(events.Event{Kind: events.CallConnected, CallID: st.id, UserID: st.callerID})
	log.Info("call connected", "max_allowed_seconds", r.cap.MaxAllowedSeconds, "balance_minor", r.cap.BalanceMinor)
}

func (m *Manager) onTimerFired(callID string) {
	st := m.calls[callID]
	if st == nil || st.phase != phaseActive {
		return
	}
	m.callLog(callID).Info("call reached its duration cap", "max_allowed_seconds", st.cap.MaxAllowedSeconds)
	m.notifyBoth(st, signal.CallEnded{
		CallID:      st.id,
		ChannelName: st.channel,
		Reason:      signal.ReasonBalanceExhausted,
		Code:        signal.CodeMaxDurationReached,
	})
	m.finish(st, st.cap.MaxAllowedSeconds, "")
}

func (m *Manager) handleEnd(c endCmd) error {
	st := m.calls[c.msg.CallID]
	if st == nil {
		m.recoverEnd(c.userID, c.msg)
		return nil
	}
	if !st.hasParty(c.userID) {
		return ErrNotParty
	}
	if st.phase == phasePending {
		return m.handleCancel(c.userID, st.id)
	}
	m.endTracked(st, c.userID)
	return nil
}

// endTracked ends an accepted or connected call on request of userID.
func (m *Manager) endTracked(st *callState, userID string) {
	reason := signal.ReasonEnded
	if st.phase != phaseActive && userID == st.callerID {
		reason = signal.ReasonCallerCancelled
	}
	m.sendTo(st.other(userID), signal.CallEnded{CallID: st.id, ChannelName: st.channel, EndedBy: userID, Reason: reason})
	secs := m.activeSeconds(st)
	m.callLog(st.id).Info("call ended", "ended_by", userID, "phase", st.phase.String(), "seconds", secs)
	m.finish(st, secs, userID)
}

// recoverEnd bills a call this process does not track, e.g. after a
// restart. Duration comes from the stored call.
func (m *Manager) recoverEnd(userID string, msg signal.CallEnd) {
	callID := msg.CallID
	m.spawn(func(ctx context.Context) command {
		call, secs, err := m.deps.Calls.ResolveEnd(ctx, callID, userID, msg.DurationSeconds, false)
		if err != nil {
			return recoverResult{callID: callID, userID: userID, err: err}
		}
		res, err := m.deps.Billing.Finalize(ctx, callID, secs)
		r := recoverResult{callID: callID, userID: userID, secs: secs, res: res, err: err}
		r.listenerUserID, r.otherUserID = call.ListenerUserID, call.OtherParty(userID)
		return r
	})
}

func (m *Manager) onRecovered(r recoverResult) {
	log := m.callLog(r.callID)
	if r.err != nil {
		log.Warn("end of untracked call not billed", "user_id", r.userID, "error", r.err)
		return
	}
	log.Info("untracked call billed", "seconds", r.secs, "minutes", r.res.Minutes,
		"user_charge_minor", r.res.UserChargeMinor, "already_billed", r.res.AlreadyBilled)
	m.clearBusy(r.listenerUserID, r.callID, true)
	m.sendTo(r.otherUserID, signal.CallEnded{CallID: r.callID, EndedBy: r.userID, Reason: signal.ReasonEnded})
}

func (m *Manager) handleLeft(c leftCmd) error {
	st := m.calls[c.msg.CallID]
	if st == nil && c.msg.ChannelName != "" {
		for _, s := range m.calls {
			if s.channel == c.msg.ChannelName && s.hasParty(c.userID) {
				st = s
				break
			}
		}
	}
	if st == nil {
		return nil
	}
	if !st.hasParty(c.userID) {
		return ErrNotParty
	}
	delete(st.joined, c.userID)
	return nil
}

func (m *Manager) handleDisconnect(c disconnectCmd) error {
	if m.deps.Presence.Superseded(c.userID, c.conn) {
		m.log.Debug("ignoring disconnect of replaced connection", "user_id", c.userID, "conn_id", c.conn.ID())
		return nil
	}
	for _, st := range m.calls {
		if !st.hasParty(c.userID) {
			continue
		}
		if st.phase == phasePending {
			delete(m.calls, st.id)
			if c.userID == st.callerID {
				m.sendConn(st.listenerConn, signal.CallEnded{CallID: st.id, EndedBy: c.userID, Reason: signal.ReasonCallerDisconnected})
				m.markChecked(st, calls.CallStatusCancelled)
			} else {
				m.sendTo(st.callerID, signal.CallFailed{CallID: st.id, Reason: signal.ReasonListenerOffline})
				m.markChecked(st, calls.CallStatusMissed)
			}
			continue
		}
		m.sendTo(st.other(c.userID), signal.CallEnded{
			CallID:      st.id,
			ChannelName: st.channel,
			EndedBy:     c.userID,
			Reason:      signal.ReasonPeerDisconnected,
			Code:        signal.ReasonPeerDisconnected,
		})
		secs := m.activeSeconds(st)
		m.callLog(st.id).Info("party disconnected, ending call", "user_id", c.userID, "seconds", secs)
		m.finish(st, secs, c.userID)
	}
	m.clearBusy(c.userID, "", false)
	m.deps.Presence.Leave(c.userID, c.conn)
	return nil
}

func (m *Manager) handleUserJoin(c userJoinCmd) error {
	if c.userID == "" {
		return ErrInvalidArgument
	}
	if m.deps.Presence.Join(c.userID, presence.RoleUser, c.conn) {
		m.deps.Presence.Broadcast(signal.UserOnline{UserID: c.userID})
	}
	m.sendConn(c.conn, signal.InitialListeners{
		OnlineListenerIDs: m.deps.Presence.Online(presence.RoleListener),
		BusyListenerIDs:   m.busyIDs(),
	})
	return nil
}

func (m *Manager) handleListenerJoin(c listenerJoinCmd) error {
	if c.userID == "" {
		return ErrInvalidArgument
	}
	m.deps.Presence.Join(c.userID, presence.RoleListener, c.conn)
	m.deps.Presence.Broadcast(signal.ListenerStatus{ListenerUserID: c.userID, Online: true, Timestamp: m.clock().UTC()})
	m.setOnline(c.userID, true)
	return nil
}

func (m *Manager) onPresenceOffline(identity, role string) {
	if role != presence.RoleListener {
		m.deps.Presence.Broadcast(signal.UserOffline{UserID: identity})
		return
	}
	m.deps.Presence.Broadcast(signal.ListenerStatus{ListenerUserID: identity, Online: false, Timestamp: m.clock().UTC()})
	m.setOnline(identity, false)
}

func (m *Manager) setOnline(userID string, online bool) {
	if m.deps.Online == nil {
		return
	}
	m.spawn(func(ctx context.Context) command {
		return mirrorResult{op: "online", userID: userID, err: m.deps.Online.SetOnlineByUserID(ctx, userID, online)}
	})
}

func (m *Manager) handleMarkBusy(c markBusyCmd) error {
	if c.listenerUserID == "" || c.callID == "" {
		return ErrInvalidArgument
	}
	held, ok := m.busy[c.listenerUserID]
	switch {
	case ok && held == c.callID:
		return nil
	case ok:
		return ErrListenerBusy
	}
	m.setBusy(c.listenerUserID, c.callID)
	return nil
}

func (m *Manager) handleRelease(c releaseCmd) {
	listenerUserID := c.listenerUserID
	if st := m.calls[c.callID]; st != nil {
		st.task.Cancel()
		delete(m.calls, st.id)
		listenerUserID = st.listenerUserID
		if st.hasParty(c.endedBy) {
			m.sendTo(st.other(c.endedBy), signal.CallEnded{CallID: st.id, ChannelName: st.channel, EndedBy: c.endedBy, Reason: signal.ReasonEnded})
		}
		m.clearBusy(st.callerID, st.id, false)
	}
	m.clearBusy(listenerUserID, c.callID, true)
}

func (m *Manager) onBilled(r billResult) {
	log := m.callLog(r.callID)
	if r.err != nil {
		retry := retryable(r.err)
		if retry {
			m.retry[r.callID] = r.secs
		}
		log.Error("billing failed", "seconds", r.secs, "retry", retry, "error", r.err)
		return
	}
	delete(m.retry, r.callID)
	log.Info("call billed",
		"seconds", r.secs,
		"minutes", r.res.Minutes,
		"user_charge_minor", r.res.UserChargeMinor,
		"listener_earn_minor", r.res.ListenerEarnMinor,
		"already_billed", r.res.AlreadyBilled,
		"capped", r.res.Capped,
		"wallet_race", r.res.WalletRace,
	)
	if !r.res.AlreadyBilled {
		m.publish(events.Event{Kind: events.CallBilled, CallID: r.callID, Amount: r.res.UserChargeMinor})
	}
}

// retryable excludes failures that another attempt cannot fix.
func retryable(err error) bool {
	return !errors.Is(err, calls.ErrCallNotFound) &&
		!errors.Is(err, calls.ErrInvalidTransition) &&
		!errors.Is(err, pricing.ErrInvalidRate)
}

func (m *Manager) activeSeconds(st *callState) int {
	if st.phase != phaseActive {
		return 0
	}
	return m.cappedElapsed(st)
}

func (m *Manager) busyIDs() []string {
	out := make([]string, 0, len(m.busy))
	for id := range m.busy {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) stats() Stats {
	s := Stats{
		Busy:      m.busyIDs(),
		Online:    m.deps.Presence.Online(presence.RoleListener),
		RetryBill: len(m.retry),
	}
	for _, st := range m.calls {
		switch st.phase {
		case phasePending:
			s.Pending++
		case phaseAccepted, phaseConnecting:
			s.Accepted++
		case phaseActive:
			s.Active++
		}
	}
	return s
}
