package main

import (
	"context"
	"sync/atomic"

	"listener-calls/internal/session"
)

// liveView forwards availability questions to the session manager once it
// exists. Before that nobody is online or busy.
type liveView struct {
	m atomic.Pointer[session.Manager]
}

func (v *liveView) set(m *session.Manager) { v.m.Store(m) }

func (v *liveView) IsOnline(userID string) bool {
	if m := v.m.Load(); m != nil {
		return m.IsOnline(userID)
	}
	return false
}

func (v *liveView) IsBusy(ctx context.Context, listenerUserID string) (bool, error) {
	if m := v.m.Load(); m != nil {
		return m.IsBusy(ctx, listenerUserID)
	}
	return false, nil
}
