package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"listener-calls/internal/audit"
	"listener-calls/internal/billing"
	"listener-calls/internal/governor"
	"listener-calls/internal/pricing"
	"listener-calls/internal/wallet"
)

type fakeLedger struct {
	gotCall string
	gotSecs int
}

func (f *fakeLedger) Finalize(ctx context.Context, callID string, secs int) (billing.Result, error) {
	f.gotCall, f.gotSecs = callID, secs
	return billing.Result{CallID: callID, Minutes: 2, UserChargeMinor: 8}, nil
}

type fakeCapper struct{}

func (fakeCapper) ComputeCap(ctx context.Context, callerID string, rate pricing.Rate) (governor.Cap, error) {
	return governor.Cap{CallerID: callerID, BalanceMinor: 10, Rate: rate, MaxAllowedSeconds: 150}, nil
}

type fakeMirror struct{ resetErr error }

func (fakeMirror) Set(context.Context, string, string) error   { return nil }
func (fakeMirror) Clear(context.Context, string, string) error { return nil }
func (m fakeMirror) Reset(context.Context) (int, error)        { return 3, m.resetErr }

type fakeWallets struct{ req wallet.CreditRequest }

func (f *fakeWallets) Credit(ctx context.Context, userID string, req wallet.CreditRequest) (wallet.Transaction, wallet.Balance, error) {
	f.req = req
	return wallet.Transaction{ID: "tx1", UserID: userID, AmountMinor: req.AmountMinor},
		wallet.Balance{UserID: userID, BalanceMinor: req.AmountMinor}, nil
}

type fakeTokens struct{}

func (fakeTokens) IssueAccess(now time.Time, userID, role string) (string, error) {
	return "tok-" + userID + "-" + role, nil
}

type fakeAudit struct{ types []audit.EventType }

func (f *fakeAudit) Record(ctx context.Context, typ audit.EventType, actor audit.Actor, targetID, message string, metadata any) {
	f.types = append(f.types, typ)
}

type fixture struct {
	ledger  *fakeLedger
	wallets *fakeWallets
	audit   *fakeAudit
	mirror  fakeMirror
	stores  int
	closed  int
}

func (f *fixture) load(ctx context.Context, needStore bool) (*deps, error) {
	if needStore {
		f.stores++
	}
	return &deps{
		ledger:  f.ledger,
		capper:  fakeCapper{},
		mirrors: f.mirror,
		wallets: f.wallets,
		tokens:  fakeTokens{},
		audit:   f.audit,
		close:   func() error { f.closed++; return nil },
	}, nil
}

func newFixture() *fixture {
	return &fixture{ledger: &fakeLedger{}, wallets: &fakeWallets{}, audit: &fakeAudit{}}
}

func (f *fixture) exec(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(f.load)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestFinalize_PrintsResult(t *testing.T) {
	f := newFixture()

	out, err := f.exec(t, "finalize", "c1", "--seconds", "61")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if f.ledger.gotCall != "c1" || f.ledger.gotSecs != 61 {
		t.Fatalf("ledger got %q/%d", f.ledger.gotCall, f.ledger.gotSecs)
	}
	if !strings.Contains(out, `"user_charge_minor": 8`) {
		t.Fatalf("unexpected output %q", out)
	}
	if f.closed != 1 {
		t.Fatalf("expected deps closed once, got %d", f.closed)
	}
}

func TestFinalize_RequiresSeconds(t *testing.T) {
	f := newFixture()

	if _, err := f.exec(t, "finalize", "c1"); err == nil {
		t.Fatalf("expected missing flag error")
	}
	if _, err := f.exec(t, "finalize", "c1", "--seconds", "-1"); err == nil {
		t.Fatalf("expected negative seconds to fail")
	}
	if f.stores != 0 {
		t.Fatalf("storage must not open on invalid input")
	}
}

func TestCap_PrintsMaxAllowedSeconds(t *testing.T) {
	f := newFixture()

	out, err := f.exec(t, "cap", "u1", "--rate-minor", "4")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !strings.Contains(out, `"max_allowed_seconds": 150`) {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestClearBusy_AuditsEvenOnPartialFailure(t *testing.T) {
	f := newFixture()
	f.mirror = fakeMirror{resetErr: errors.New("redis down")}

	_, err := f.exec(t, "clear-busy")
	if err == nil || !strings.Contains(err.Error(), "cleared 3") {
		t.Fatalf("expected partial failure, got %v", err)
	}
	if len(f.audit.types) != 1 || f.audit.types[0] != audit.EventBusyReset {
		t.Fatalf("unexpected audit %v", f.audit.types)
	}
}

func TestCredit_GeneratesKeyAndAudits(t *testing.T) {
	f := newFixture()

	if _, err := f.exec(t, "credit", "u1", "--amount", "0"); err == nil {
		t.Fatalf("expected non-positive amount to fail")
	}
	if _, err := f.exec(t, "credit", "u1", "--amount", "500"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if f.wallets.req.AmountMinor != 500 || !strings.HasPrefix(f.wallets.req.IdempotencyKey, "callctl:u1:") {
		t.Fatalf("unexpected request %+v", f.wallets.req)
	}
	if len(f.audit.types) != 1 || f.audit.types[0] != audit.EventWalletCredit {
		t.Fatalf("unexpected audit %v", f.audit.types)
	}
}

func TestToken_DoesNotOpenStorage(t *testing.T) {
	f := newFixture()

	out, err := f.exec(t, "token", "lu1", "--role", "listener")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if strings.TrimSpace(out) != "tok-lu1-listener" {
		t.Fatalf("unexpected output %q", out)
	}
	if f.stores != 0 {
		t.Fatalf("token must not open storage")
	}
}
