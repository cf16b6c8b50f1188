// Package busy mirrors the session manager's in-memory busy set to durable
// and shared stores. The in-memory set stays authoritative; mirrors serve
// discovery queries and other processes.
package busy

import (
	"context"
	"errors"
)

var ErrSlotHeld = errors.New("busy slot held by another call")

// Mirror records that a listener (by user id) is on callID.
type Mirror interface {
	Set(ctx context.Context, listenerUserID, callID string) error
	Clear(ctx context.Context, listenerUserID, callID string) error
	// Reset clears every busy flag. Run at startup, when no call survives.
	Reset(ctx context.Context) (int, error)
}

type Noop struct{}

func (Noop) Set(context.Context, string, string) error   { return nil }
func (Noop) Clear(context.Context, string, string) error { return nil }
func (Noop) Reset(context.Context) (int, error)          { return 0, nil }

// Multi applies every mirror and joins their errors.
type Multi []Mirror

func (m Multi) Set(ctx context.Context, listenerUserID, callID string) error {
	var errs []error
	for _, x := range m {
		errs = append(errs, x.Set(ctx, listenerUserID, callID))
	}
	return errors.Join(errs...)
}

func (m Multi) Clear(ctx context.Context, listenerUserID, callID string) error {
	var errs []error
	for _, x := range m {
		errs = append(errs, x.Clear(ctx, listenerUserID, callID))
	}
	return errors.Join(errs...)
}

func (m Multi) Reset(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, x := range m {
		n, err := x.Reset(ctx)
		total += n
		errs = append(errs, err)
	}
	return total, errors.Join(errs...)
}

// FlagStore is the listeners.is_busy column.
type FlagStore interface {
	SetBusyByUserID(ctx context.Context, userID string, busy bool) error
	ClearAllBusy(ctx context.Context) (int, error)
}

// DB mirrors busy into the listeners table.
type DB struct {
	Store FlagStore
}

func (d DB) Set(ctx context.Context, listenerUserID, _ string) error {
	return d.Store.SetBusyByUserID(ctx, listenerUserID, true)
}

func (d DB) Clear(ctx context.Context, listenerUserID, _ string) error {
	return d.Store.SetBusyByUserID(ctx, listenerUserID, false)
}

func (d DB) Reset(ctx context.Context) (int, error) {
	return d.Store.ClearAllBusy(ctx)
}
