package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"listener-calls/internal/calls"
	"listener-calls/internal/pricing"
	"listener-calls/pkg/logger"

	"github.com/google/uuid"
)

var errDuplicateRecord = errors.New("call record already exists")

// Ledger finalizes call billing. One Finalize is one transaction: the call
// row is locked first, and an existing Record short-circuits everything, so
// any number of concurrent or repeated calls bill a call at most once.
type Ledger struct {
	store Store
	log   *slog.Logger
	clock func() time.Time
}

func NewLedger(store Store, l *slog.Logger) *Ledger {
	return &Ledger{store: store, log: logger.Component(l, "billing"), clock: time.Now}
}

// Finalize bills callID for durationSeconds. Negative durations bill as
// zero. A call already billed returns the stored outcome with AlreadyBilled.
func (l *Ledger) Finalize(ctx context.Context, callID string, durationSeconds int) (Result, error) {
	if callID == "" {
		return Result{}, calls.ErrCallNotFound
	}
	if durationSeconds < 0 {
		durationSeconds = 0
	}

	res, err := l.finalize(ctx, callID, durationSeconds)
	if errors.Is(err, errDuplicateRecord) {
		// A concurrent finalizer committed first; report its outcome.
		res, err = l.finalize(ctx, callID, durationSeconds)
	}
	if err != nil {
		return Result{}, err
	}

	log := l.log.With("call_id", callID)
	if res.AlreadyBilled {
		log.Debug("billing skipped, already finalized")
		return res, nil
	}
	if res.WalletRace {
		log.Error("wallet decrement lost, billed zero", "err", ErrWalletRace, "requested_seconds", durationSeconds)
	}
	log.Info("call billed",
		"minutes", res.Minutes,
		"user_charge_minor", res.UserChargeMinor,
		"listener_earn_minor", res.ListenerEarnMinor,
		"capped", res.Capped,
		"offer_applied", res.OfferApplied,
	)
	return res, nil
}

func (l *Ledger) finalize(ctx context.Context, callID string, secs int) (Result, error) {
	now := l.clock().UTC()
	var out Result

	err := l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		call, err := tx.LockCall(ctx, callID)
		if err != nil {
			return err
		}

		if rec, ok, err := tx.FindRecord(ctx, callID); err != nil {
			return err
		} else if ok {
			out = resultFromRecord(rec)
			return nil
		}

		if call.Status != calls.CallStatusCompleted && !calls.CanTransition(call.Status, calls.CallStatusCompleted) {
			return calls.ErrInvalidTransition
		}

		listener, err := tx.LockListener(ctx, call.ListenerID)
		if err != nil {
			return err
		}
		if listener.UserRatePerMinMinor <= 0 || listener.PayoutPerMinMinor <= 0 {
			return pricing.ErrInvalidRate
		}

		offer, err := tx.LockCallerOffer(ctx, call.CallerID)
		if err != nil {
			return err
		}
		cfg, err := tx.RateConfig(ctx)
		if err != nil {
			return err
		}
		rate, offerApplied := pricing.EffectiveRate(listener.UserRatePerMinMinor, offer, cfg)

		balance, err := tx.LockWallet(ctx, call.CallerID, now)
		if err != nil {
			return err
		}

		minutes := pricing.BillableMinutes(secs)
		charge := pricing.Charge(minutes, rate)
		capped := false
		if balance < charge {
			minutes = pricing.AffordableMinutes(balance, rate)
			charge = pricing.Charge(minutes, rate)
			capped = true
		}
		earn := int64(minutes) * listener.PayoutPerMinMinor

		after, ok, err := tx.DebitWallet(ctx, call.CallerID, charge, callID, now)
		if err != nil {
			return err
		}
		race := !ok
		if race {
			minutes, charge, earn = 0, 0, 0
			capped = true
			offerApplied = false
			after = balance
		}

		if err := tx.CreditListener(ctx, listener.ID, earn, minutes, now); err != nil {
			return err
		}
		if offerApplied {
			if err := tx.MarkOfferUsed(ctx, call.CallerID, now); err != nil {
				return err
			}
		}
		if err := tx.CompleteCall(ctx, callID, calls.Completion{
			EndedAt:         now,
			DurationSeconds: secs,
			BilledMinutes:   minutes,
			TotalCostMinor:  charge,
			OfferApplied:    offerApplied,
		}); err != nil {
			return err
		}

		if err := tx.InsertRecord(ctx, Record{
			ID:                uuid.NewString(),
			CallID:            callID,
			UserID:            call.CallerID,
			ListenerID:        listener.ID,
			Minutes:           minutes,
			UserChargeMinor:   charge,
			ListenerEarnMinor: earn,
			StartedAt:         call.StartedAt,
			EndedAt:           now,
			CreatedAt:         now,
		}); err != nil {
			return err
		}
		if err := tx.InsertAudit(ctx, AuditEntry{
			ID:                uuid.NewString(),
			CallID:            callID,
			UserID:            call.CallerID,
			ListenerID:        listener.ID,
			Minutes:           minutes,
			RequestedSeconds:  secs,
			UserChargeMinor:   charge,
			ListenerEarnMinor: earn,
			EffectiveRate:     rate.String(),
			PayoutPerMinMinor: listener.PayoutPerMinMinor,
			OfferApplied:      offerApplied,
			Capped:            capped,
			WalletRace:        race,
			CreatedAt:         now,
		}); err != nil {
			return err
		}

		out = Result{
			CallID:            callID,
			DurationSeconds:   secs,
			Minutes:           minutes,
			UserChargeMinor:   charge,
			ListenerEarnMinor: earn,
			EffectiveRate:     rate,
			OfferApplied:      offerApplied,
			Capped:            capped,
			WalletRace:        race,
			BalanceAfterMinor: after,
		}
		return nil
	})
	return out, err
}
