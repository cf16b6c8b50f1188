// Package httpapi holds the REST handlers. Keep them thin: parse and
// validate input, call internal services, return JSON.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"listener-calls/internal/audit"
	"listener-calls/internal/auth"
	"listener-calls/internal/billing"
	"listener-calls/internal/calls"
	"listener-calls/internal/listeners"
	"listener-calls/internal/media"
	"listener-calls/internal/pricing"
	"listener-calls/internal/rbac"
	"listener-calls/internal/reporting"
	"listener-calls/internal/routing"
	"listener-calls/internal/wallet"
)

type CallService interface {
	Create(ctx context.Context, req calls.CreateRequest) (calls.Call, pricing.Quote, error)
	Get(ctx context.Context, callID, requesterID string, admin bool) (calls.Call, error)
	UpdateStatus(ctx context.Context, callID, requesterID string, to calls.CallStatus) (calls.Call, error)
	ResolveEnd(ctx context.Context, callID, requesterID string, reportedSeconds int, admin bool) (calls.Call, int, error)
	HistoryForCaller(ctx context.Context, callerID string, limit int) ([]calls.Call, error)
	HistoryForListener(ctx context.Context, listenerID string, limit int) ([]calls.Call, error)
	Active(ctx context.Context, userID string) ([]calls.Call, error)
}

type Ledger interface {
	Finalize(ctx context.Context, callID string, durationSeconds int) (billing.Result, error)
}

// Sessions is the signaling state the REST end of a call must keep in step.
type Sessions interface {
	MarkBusy(ctx context.Context, listenerUserID, callID string) error
	Release(ctx context.Context, callID, listenerUserID, endedBy string) error
}

type Matcher interface {
	Pick(ctx context.Context, callerID string) (listeners.Listener, error)
}

type MediaIssuer interface {
	Issue(now time.Time, channel, userID string, uid uint32) (media.Token, error)
}

type Wallets interface {
	GetBalance(ctx context.Context, userID string) (wallet.Balance, error)
	Credit(ctx context.Context, userID string, req wallet.CreditRequest) (wallet.Transaction, wallet.Balance, error)
}

type ListenerService interface {
	GetByUserID(ctx context.Context, userID string) (listeners.Listener, error)
	SetRates(ctx context.Context, listenerID string, rates listeners.Rates) (listeners.Listener, error)
}

type OfferService interface {
	RateConfig(ctx context.Context) (pricing.OfferConfig, error)
	UpdateRateConfig(ctx context.Context, cfg pricing.OfferConfig) (pricing.OfferConfig, error)
}

type Auditor interface {
	Record(ctx context.Context, typ audit.EventType, actor audit.Actor, targetID, message string, metadata any)
}

type Reports interface {
	ListenerEarnings(ctx context.Context, listenerID string, rng reporting.TimeRange) (reporting.EarningsSummary, error)
	UserSpend(ctx context.Context, userID string, rng reporting.TimeRange) (reporting.SpendSummary, error)
}

// Handlers groups HTTP handlers for dependency injection.
type Handlers struct {
	Calls     CallService
	Ledger    Ledger
	Sessions  Sessions
	Matcher   Matcher
	Media     MediaIssuer
	Wallet    Wallets
	Listeners ListenerService
	Offers    OfferService
	Audit     Auditor
	Reports   Reports
	Log       *slog.Logger
	Clock     func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now()
}

func (h Handlers) log() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

type identity struct {
	userID string
	role   string
}

func (i identity) admin() bool { return rbac.IsAdmin(i.role) }

func requireIdentity(c *gin.Context) (identity, bool) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return identity{}, false
	}
	role, _ := auth.Role(c.Request.Context())
	return identity{userID: userID, role: role}, true
}

func actorOf(c *gin.Context, id identity) audit.Actor {
	return audit.Actor{UserID: id.userID, Role: id.role, IP: c.ClientIP()}
}

func queryLimit(c *gin.Context) int {
	n, _ := strconv.Atoi(c.Query("limit"))
	return n
}

// writeError maps domain errors onto HTTP statuses. Unknown errors are
// logged and reported as 500 without detail.
func (h Handlers) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, calls.ErrInvalidArgument),
		errors.Is(err, wallet.ErrInvalidArgument),
		errors.Is(err, reporting.ErrInvalidRequest),
		errors.Is(err, media.ErrChannelRequired),
		errors.Is(err, pricing.ErrInvalidOfferConfig),
		errors.Is(err, listeners.ErrPayoutExceedsRate):
		status = http.StatusBadRequest
	case errors.Is(err, calls.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, calls.ErrNotParty),
		errors.Is(err, calls.ErrListenerNotApproved):
		status = http.StatusForbidden
	case errors.Is(err, calls.ErrCallNotFound),
		errors.Is(err, listeners.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, calls.ErrListenerBusy),
		errors.Is(err, calls.ErrListenerUnavailable),
		errors.Is(err, calls.ErrInvalidTransition),
		errors.Is(err, routing.ErrNoListener):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.log().Error("request failed", "path", c.FullPath(), "error", err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
