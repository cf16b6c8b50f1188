package wallet

import (
	"context"
	"database/sql"
	"testing"
)

// Money movement itself relies on Postgres row locks and is covered by the
// billing memory store tests; these cover input validation.

func TestWalletService_Credit_RejectsInvalidArgs(t *testing.T) {
	svc := NewService((*sql.DB)(nil))

	cases := []struct {
		name   string
		userID string
		req    CreditRequest
	}{
		{"missing user", "", CreditRequest{AmountMinor: 100, IdempotencyKey: "k"}},
		{"zero amount", "u", CreditRequest{AmountMinor: 0, IdempotencyKey: "k"}},
		{"negative amount", "u", CreditRequest{AmountMinor: -5, IdempotencyKey: "k"}},
		{"missing key", "u", CreditRequest{AmountMinor: 100}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := svc.Credit(context.Background(), tc.userID, tc.req); err != ErrInvalidArgument {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestWalletService_GetBalance_RequiresUser(t *testing.T) {
	svc := NewService((*sql.DB)(nil))
	if _, err := svc.GetBalance(context.Background(), ""); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestCallDebitKey(t *testing.T) {
	if CallDebitKey("c-1") != "call:c-1" {
		t.Fatalf("unexpected key %q", CallDebitKey("c-1"))
	}
}
