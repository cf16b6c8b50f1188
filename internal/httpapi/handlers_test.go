package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"listener-calls/internal/audit"
	"listener-calls/internal/auth"
	"listener-calls/internal/billing"
	"listener-calls/internal/calls"
	"listener-calls/internal/listeners"
	"listener-calls/internal/media"
	"listener-calls/internal/pricing"
	"listener-calls/internal/reporting"
	"listener-calls/internal/routing"
	"listener-calls/internal/wallet"
	"listener-calls/pkg/logger"
)

type fakeLive struct {
	mu     sync.Mutex
	online map[string]bool
	busy   map[string]bool
}

func (f *fakeLive) IsOnline(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[userID]
}

func (f *fakeLive) IsBusy(ctx context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy[userID], nil
}

type fakeSessions struct {
	mu       sync.Mutex
	marked   []string
	released []string
}

func (f *fakeSessions) MarkBusy(ctx context.Context, listenerUserID, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, listenerUserID+":"+callID)
	return nil
}

func (f *fakeSessions) Release(ctx context.Context, callID, listenerUserID, endedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, callID+":"+endedBy)
	return nil
}

type fakeWallets struct {
	store *billing.MemoryStore
}

func (f fakeWallets) GetBalance(ctx context.Context, userID string) (wallet.Balance, error) {
	bal, err := f.store.BalanceMinor(ctx, userID)
	return wallet.Balance{UserID: userID, BalanceMinor: bal}, err
}

func (f fakeWallets) Credit(ctx context.Context, userID string, req wallet.CreditRequest) (wallet.Transaction, wallet.Balance, error) {
	if userID == "" || req.AmountMinor <= 0 || req.IdempotencyKey == "" {
		return wallet.Transaction{}, wallet.Balance{}, wallet.ErrInvalidArgument
	}
	bal, _ := f.store.BalanceMinor(ctx, userID)
	f.store.SetBalance(userID, bal+req.AmountMinor)
	return wallet.Transaction{ID: "tx1", UserID: userID, AmountMinor: req.AmountMinor},
		wallet.Balance{UserID: userID, BalanceMinor: bal + req.AmountMinor}, nil
}

type env struct {
	h        Handlers
	calls    *calls.MemoryRepo
	store    *billing.MemoryStore
	live     *fakeLive
	sessions *fakeSessions
	audit    *audit.MemoryRepo
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	lrepo := listeners.NewMemoryRepo(listeners.Listener{
		ID: "l1", UserID: "lu1",
		UserRatePerMinMinor: 4, PayoutPerMinMinor: 3,
		VerificationStatus: listeners.VerificationApproved, IsAvailable: true,
	})
	prepo := pricing.NewMemoryRepo()
	crepo := calls.NewMemoryRepo()
	store := billing.NewMemoryStore(crepo, lrepo, prepo)
	live := &fakeLive{online: map[string]bool{"lu1": true}, busy: map[string]bool{}}
	sessions := &fakeSessions{}
	arepo := audit.NewMemoryRepo()
	issuer, err := media.NewIssuer("media-secret", "", time.Hour)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}

	e := &env{calls: crepo, store: store, live: live, sessions: sessions, audit: arepo}
	e.h = Handlers{
		Calls:     calls.NewService(crepo, lrepo, pricing.NewService(prepo), store, live),
		Ledger:    billing.NewLedger(store, logger.Discard()),
		Sessions:  sessions,
		Matcher:   routing.NewMatcher(lrepo, live, rand.New(rand.NewSource(1))),
		Media:     issuer,
		Wallet:    fakeWallets{store: store},
		Listeners: listeners.NewService(lrepo),
		Offers:    pricing.NewService(prepo),
		Audit:     audit.NewService(arepo, logger.Discard()),
		Reports:   reporting.NewService(reporting.NewMemoryRepo()),
		Log:       logger.Discard(),
	}
	return e
}

func (e *env) serve(t *testing.T, method, path, userID, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), userID, role))
		c.Next()
	})
	r.POST("/calls", e.h.CreateCall)
	r.POST("/calls/random", e.h.CreateRandomCall)
	r.GET("/calls/:id", e.h.GetCall)
	r.PUT("/calls/:id/status", e.h.UpdateCallStatus)
	r.POST("/calls/end", e.h.EndCall)
	r.POST("/calls/media/token", e.h.MediaToken)
	r.GET("/wallet/balance", e.h.WalletBalance)
	r.PUT("/admin/listeners/:id/rates", e.h.SetListenerRates)
	r.POST("/admin/wallets/credit", e.h.CreditWallet)
	r.GET("/users/me/spend", e.h.MySpend)

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func (e *env) ongoingCall(t *testing.T, id, caller string, startedAgo time.Duration) {
	t.Helper()
	started := time.Now().UTC().Add(-startedAgo)
	if err := e.calls.Insert(context.Background(), calls.Call{
		CallID: id, CallerID: caller, ListenerID: "l1", ListenerUserID: "lu1",
		CallType: calls.CallTypeAudio, RateMinor: 4, RatePer: 1,
		Status: calls.CallStatusOngoing, StartedAt: &started, CreatedAt: started,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestCreateCall_QuotesEffectiveRate(t *testing.T) {
	e := newEnv(t)
	e.store.SetBalance("u1", 100)

	w := e.serve(t, http.MethodPost, "/calls", "u1", "user", map[string]string{"listener_id": "l1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	out := decode[callCreated](t, w)
	if out.RatePerMinute != "4.0000" || out.MinimumBalanceMinor != 4 {
		t.Fatalf("unexpected quote %+v", out)
	}
	if out.Call.Status != calls.CallStatusPending || out.Call.CallerID != "u1" {
		t.Fatalf("unexpected call %+v", out.Call)
	}
}

func TestCreateCall_MapsPreCallFailures(t *testing.T) {
	cases := []struct {
		name    string
		balance int64
		busy    bool
		online  bool
		want    int
	}{
		{"insufficient balance", 3, false, true, http.StatusPaymentRequired},
		{"listener busy", 100, true, true, http.StatusConflict},
		{"listener offline", 100, false, false, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			e.store.SetBalance("u1", tc.balance)
			e.live.busy["lu1"] = tc.busy
			e.live.online["lu1"] = tc.online

			w := e.serve(t, http.MethodPost, "/calls", "u1", "user", map[string]string{"listener_id": "l1"})
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestCreateRandomCall_UsesMatcher(t *testing.T) {
	e := newEnv(t)
	e.store.SetBalance("u1", 100)

	w := e.serve(t, http.MethodPost, "/calls/random", "u1", "user", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if out := decode[callCreated](t, w); out.Call.ListenerID != "l1" {
		t.Fatalf("unexpected listener %q", out.Call.ListenerID)
	}

	e.live.online["lu1"] = false
	if w := e.serve(t, http.MethodPost, "/calls/random", "u1", "user", nil); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 with nobody online, got %d", w.Code)
	}
}

func TestEndCall_BillsOnceAndReleases(t *testing.T) {
	e := newEnv(t)
	e.store.SetBalance("u1", 100)
	e.ongoingCall(t, "c1", "u1", 61*time.Second)

	w := e.serve(t, http.MethodPost, "/calls/end", "u1", "user", map[string]any{"callId": "c1", "durationSeconds": 61})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	out := decode[callEnded](t, w)
	if out.Billing.Minutes != 2 || out.Billing.UserCharge != 8 || out.Billing.ListenerEarn != 6 || out.Billing.AlreadyBilled {
		t.Fatalf("unexpected billing %+v", out.Billing)
	}
	if out.Call.CallID != "c1" || out.Call.Status != calls.CallStatusCompleted || out.Call.TotalCostMinor != 8 {
		t.Fatalf("expected the completed call, got %+v", out.Call)
	}
	if out.Billing.DurationSeconds != out.Call.DurationSeconds || out.Billing.DurationSeconds <= 60 {
		t.Fatalf("unexpected duration %d", out.Billing.DurationSeconds)
	}

	var raw map[string]map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, k := range []string{"minutes", "userCharge", "listenerEarn", "durationSeconds"} {
		if _, ok := raw["billing"][k]; !ok {
			t.Fatalf("billing.%s missing from %s", k, w.Body.String())
		}
	}

	w = e.serve(t, http.MethodPost, "/calls/end", "lu1", "listener", map[string]any{"callId": "c1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat, got %d", w.Code)
	}
	if out := decode[callEnded](t, w); !out.Billing.AlreadyBilled || out.Billing.UserCharge != 8 {
		t.Fatalf("expected stored outcome, got %+v", out.Billing)
	}
	if bal, _ := e.store.BalanceMinor(context.Background(), "u1"); bal != 92 {
		t.Fatalf("expected one debit, balance %d", bal)
	}
	if len(e.sessions.released) != 2 || e.sessions.released[0] != "c1:u1" {
		t.Fatalf("unexpected releases %v", e.sessions.released)
	}
}

func TestEndCall_RejectsStrangers(t *testing.T) {
	e := newEnv(t)
	e.ongoingCall(t, "c1", "u1", time.Minute)

	if w := e.serve(t, http.MethodPost, "/calls/end", "intruder", "user", map[string]any{"callId": "c1"}); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if w := e.serve(t, http.MethodPost, "/calls/end", "u1", "user", map[string]any{}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without callId, got %d", w.Code)
	}
	if w := e.serve(t, http.MethodPost, "/calls/end", "u1", "user", map[string]any{"callId": "missing"}); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestUpdateCallStatus_SyncsSessions(t *testing.T) {
	e := newEnv(t)
	e.store.SetBalance("u1", 100)
	w := e.serve(t, http.MethodPost, "/calls", "u1", "user", map[string]string{"listener_id": "l1"})
	id := decode[callCreated](t, w).Call.CallID

	w = e.serve(t, http.MethodPut, "/calls/"+id+"/status", "lu1", "listener", map[string]string{"status": "ongoing"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(e.sessions.marked) != 1 || e.sessions.marked[0] != "lu1:"+id {
		t.Fatalf("expected busy mark, got %v", e.sessions.marked)
	}

	w = e.serve(t, http.MethodPut, "/calls/"+id+"/status", "u1", "user", map[string]string{"status": "rejected"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for ongoing -> rejected, got %d", w.Code)
	}

	w = e.serve(t, http.MethodPut, "/calls/"+id+"/status", "u1", "user", map[string]any{"status": "completed", "duration_seconds": 30})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on completion, got %d: %s", w.Code, w.Body.String())
	}
	if len(e.sessions.released) != 1 {
		t.Fatalf("expected release after completion, got %v", e.sessions.released)
	}
	if out := decode[callEnded](t, w); out.Call.CallID != id || out.Call.Status != calls.CallStatusCompleted {
		t.Fatalf("unexpected completion %+v", out)
	}
}

func TestSetListenerRates_ValidatesAndAudits(t *testing.T) {
	e := newEnv(t)

	w := e.serve(t, http.MethodPut, "/admin/listeners/l1/rates", "admin-1", "admin",
		map[string]int64{"user_rate_per_min_minor": 5, "listener_payout_per_min_minor": 6})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for payout above rate, got %d", w.Code)
	}
	if len(e.audit.Events()) != 0 {
		t.Fatalf("rejected write must not be audited")
	}

	w = e.serve(t, http.MethodPut, "/admin/listeners/l1/rates", "admin-1", "admin",
		map[string]int64{"user_rate_per_min_minor": 6, "listener_payout_per_min_minor": 5})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	evs := e.audit.ForTarget("l1")
	if len(evs) != 1 || evs[0].Type != audit.EventListenerRates {
		t.Fatalf("unexpected audit %+v", evs)
	}
}

func TestCreditWallet_Audits(t *testing.T) {
	e := newEnv(t)

	w := e.serve(t, http.MethodPost, "/admin/wallets/credit", "admin-1", "admin",
		map[string]any{"user_id": "u1", "amount_minor": 500, "idempotency_key": "topup-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = e.serve(t, http.MethodGet, "/wallet/balance", "u1", "user", nil)
	if bal := decode[wallet.Balance](t, w); bal.BalanceMinor != 500 {
		t.Fatalf("expected 500, got %d", bal.BalanceMinor)
	}
	if evs := e.audit.OfType(audit.EventWalletCredit); len(evs) != 1 || evs[0].TargetID != "u1" {
		t.Fatalf("unexpected audit %+v", evs)
	}

	w = e.serve(t, http.MethodPost, "/admin/wallets/credit", "admin-1", "admin", map[string]any{"user_id": "u1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestMediaToken_RequiresChannel(t *testing.T) {
	e := newEnv(t)

	if w := e.serve(t, http.MethodPost, "/calls/media/token", "u1", "user", map[string]any{}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	w := e.serve(t, http.MethodPost, "/calls/media/token", "u1", "user", map[string]any{"channel_name": "call_c1", "uid": 7})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if tok := decode[media.Token](t, w); tok.Token == "" || tok.Channel != "call_c1" || tok.UID != 7 {
		t.Fatalf("unexpected token %+v", tok)
	}
}

func TestMySpend_RejectsBadRange(t *testing.T) {
	e := newEnv(t)

	if w := e.serve(t, http.MethodGet, "/users/me/spend?from=yesterday", "u1", "user", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := e.serve(t, http.MethodGet, "/users/me/spend", "u1", "user", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
