package session

import (
	"time"

	"listener-calls/internal/calls"
	"listener-calls/internal/signal"
)

// sweepPending drops calls that were never answered within the TTL, and
// accepted calls whose parties never both joined the channel.
func (m *Manager) sweepPending() int {
	now := m.clock()
	ttl := m.deps.Timings.PendingCallTTL
	n := 0
	for id, st := range m.calls {
		switch st.phase {
		case phasePending:
			if now.Sub(st.createdAt) <= ttl {
				continue
			}
			delete(m.calls, id)
			m.sendTo(st.callerID, signal.CallFailed{CallID: id, Reason: signal.ReasonTimeout})
			m.sendConn(st.listenerConn, signal.CallEnded{CallID: id, Reason: signal.ReasonTimeout})
			m.markChecked(st, calls.CallStatusMissed)
		case phaseAccepted:
			if now.Sub(st.acceptedAt) <= ttl {
				continue
			}
			m.notifyBoth(st, signal.CallEnded{CallID: id, ChannelName: st.channel, Reason: signal.ReasonTimeout})
			m.finish(st, 0, "")
		default:
			continue
		}
		n++
		m.callLog(id).Info("stale call removed", "phase", st.phase.String())
	}
	return n
}

// sweepTimers force-ends connected calls that outlived their cap plus the
// sweep grace, i.e. whose expiry task was lost, and calls connected without a
// cap that outlived the uncapped limit. It also retries failed billing.
func (m *Manager) sweepTimers() int {
	now := m.clock()
	grace := m.deps.Timings.TimerSweepGrace
	n := 0
	for _, st := range m.calls {
		if st.phase != phaseActive {
			continue
		}
		limit := m.deps.Timings.UncappedCallLimit
		if st.capKnown {
			limit = time.Duration(st.cap.MaxAllowedSeconds)*time.Second + grace
		}
		if now.Sub(st.startedAt) <= limit {
			continue
		}
		n++
		secs := m.cappedElapsed(st)
		m.callLog(st.id).Warn("forcing end of overdue call", "seconds", secs, "capped", st.capKnown, "max_allowed_seconds", st.cap.MaxAllowedSeconds)
		m.notifyBoth(st, signal.CallEnded{
			CallID:      st.id,
			ChannelName: st.channel,
			Reason:      signal.ReasonBalanceExhausted,
			Code:        signal.CodeMaxDurationReached,
		})
		m.finish(st, secs, "")
	}
	for id, secs := range m.retry {
		delete(m.retry, id)
		m.callLog(id).Info("retrying billing", "seconds", secs)
		m.bill(id, secs)
	}
	return n
}
