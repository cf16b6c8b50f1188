package governor

import (
	"context"
	"sync/atomic"
	"time"

	"listener-calls/internal/pricing"
)

// BalanceReader reads the caller's current wallet balance.
type BalanceReader interface {
	BalanceMinor(ctx context.Context, userID string) (int64, error)
}

// Cap is the longest a call may run on the caller's balance at connect time.
type Cap struct {
	CallerID          string       `json:"caller_id"`
	BalanceMinor      int64        `json:"balance_minor"`
	Rate              pricing.Rate `json:"rate"`
	MaxAllowedSeconds int          `json:"max_allowed_seconds"`
}

// Governor computes call duration caps and arms their expiry tasks.
type Governor struct {
	wallets BalanceReader
	sched   Scheduler
	grace   time.Duration
}

func New(wallets BalanceReader, sched Scheduler, grace time.Duration) *Governor {
	if sched == nil {
		sched = RealScheduler{}
	}
	return &Governor{wallets: wallets, sched: sched, grace: grace}
}

// ComputeCap is floor(balance / rate * 60) seconds. A non-positive rate or
// balance yields a zero cap without error.
func (g *Governor) ComputeCap(ctx context.Context, callerID string, rate pricing.Rate) (Cap, error) {
	c := Cap{CallerID: callerID, Rate: rate}
	if !rate.Valid() {
		return c, nil
	}
	bal, err := g.wallets.BalanceMinor(ctx, callerID)
	if err != nil {
		return Cap{}, err
	}
	c.BalanceMinor = bal
	c.MaxAllowedSeconds = pricing.CapSeconds(bal, rate)
	return c, nil
}

// Arm schedules onExpire after the cap plus the grace period. It returns nil
// for a zero cap; callers end those calls immediately.
func (g *Governor) Arm(c Cap, onExpire func()) *Task {
	if c.MaxAllowedSeconds <= 0 {
		return nil
	}
	t := &Task{}
	t.stopper = g.sched.AfterFunc(time.Duration(c.MaxAllowedSeconds)*time.Second+g.grace, func() {
		if t.state.CompareAndSwap(taskArmed, taskFired) {
			onExpire()
		}
	})
	return t
}

const (
	taskArmed int32 = iota
	taskFired
	taskCancelled
)

// Task is a single-shot expiry. Exactly one of Cancel or the expiry wins.
type Task struct {
	state   atomic.Int32
	stopper Stopper
}

// Cancel prevents the expiry from running. It reports false when the expiry
// already ran or the task was already cancelled. Nil tasks are allowed.
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	if !t.state.CompareAndSwap(taskArmed, taskCancelled) {
		return false
	}
	if t.stopper != nil {
		t.stopper.Stop()
	}
	return true
}

// Fired reports whether the expiry ran.
func (t *Task) Fired() bool {
	return t != nil && t.state.Load() == taskFired
}
