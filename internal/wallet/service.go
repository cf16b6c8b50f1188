package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"listener-calls/pkg/utils"

	"github.com/google/uuid"
)

// Service is the WalletStore: balance reads and idempotent top-ups. Call
// debits happen inside the billing transaction through the Tx helpers in
// repository.go.
type Service struct {
	db    *sql.DB
	clock func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, clock: time.Now}
}

var ErrInvalidArgument = errors.New("invalid argument")

func (s *Service) GetBalance(ctx context.Context, userID string) (Balance, error) {
	if userID == "" {
		return Balance{}, ErrInvalidArgument
	}
	return getBalance(ctx, s.db, userID)
}

// BalanceMinor satisfies the governor's and the pre-call check's balance reader.
func (s *Service) BalanceMinor(ctx context.Context, userID string) (int64, error) {
	b, err := s.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return b.BalanceMinor, nil
}

// Credit adds funds. Retrying with the same idempotency key returns the
// original transaction and the current balance.
func (s *Service) Credit(ctx context.Context, userID string, req CreditRequest) (Transaction, Balance, error) {
	if userID == "" || req.IdempotencyKey == "" || req.AmountMinor <= 0 {
		return Transaction{}, Balance{}, ErrInvalidArgument
	}

	now := s.clock().UTC()
	var (
		outTx  Transaction
		outBal Balance
	)
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		b, err := LockForUpdateTx(ctx, tx, userID, now)
		if err != nil {
			return err
		}

		if existing, ok, err := findTransactionByIdempotency(ctx, tx, userID, req.IdempotencyKey); err != nil {
			return err
		} else if ok {
			outTx, outBal = existing, b
			return nil
		}

		entry := Transaction{
			ID:             uuid.NewString(),
			UserID:         userID,
			Type:           TransactionTypeCredit,
			AmountMinor:    req.AmountMinor,
			Reference:      req.Reference,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		}
		if err := insertTransaction(ctx, tx, entry); err != nil {
			return err
		}
		nb, err := creditTx(ctx, tx, userID, req.AmountMinor, now)
		if err != nil {
			return err
		}
		outTx, outBal = entry, nb
		return nil
	})
	return outTx, outBal, err
}
