package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"listener-calls/internal/audit"
	"listener-calls/internal/listeners"
	"listener-calls/internal/pricing"
	"listener-calls/internal/reporting"
	"listener-calls/internal/wallet"
)

func (h Handlers) WalletBalance(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	bal, err := h.Wallet.GetBalance(c.Request.Context(), id.userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

// SetListenerRates enforces payout <= rate before the write.
func (h Handlers) SetListenerRates(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	var rates listeners.Rates
	if err := c.ShouldBindJSON(&rates); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := rates.Validate(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	listenerID := c.Param("id")
	l, err := h.Listeners.SetRates(c.Request.Context(), listenerID, rates)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.Audit.Record(c.Request.Context(), audit.EventListenerRates, actorOf(c, id), listenerID, "listener rates updated", rates)
	c.JSON(http.StatusOK, l)
}

func (h Handlers) GetRateConfig(c *gin.Context) {
	cfg, err := h.Offers.RateConfig(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h Handlers) UpdateRateConfig(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	var cfg pricing.OfferConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	out, err := h.Offers.UpdateRateConfig(c.Request.Context(), cfg)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.Audit.Record(c.Request.Context(), audit.EventOfferConfig, actorOf(c, id), "rate_config", "first-time offer updated", out)
	c.JSON(http.StatusOK, out)
}

type creditRequest struct {
	UserID         string `json:"user_id"`
	AmountMinor    int64  `json:"amount_minor"`
	Reference      string `json:"reference"`
	IdempotencyKey string `json:"idempotency_key"`
}

// CreditWallet is the admin top-up. The idempotency key makes retries safe.
func (h Handlers) CreditWallet(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	tx, bal, err := h.Wallet.Credit(c.Request.Context(), req.UserID, wallet.CreditRequest{
		AmountMinor:    req.AmountMinor,
		Reference:      req.Reference,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.Audit.Record(c.Request.Context(), audit.EventWalletCredit, actorOf(c, id), req.UserID, "wallet credited", tx)
	c.JSON(http.StatusOK, gin.H{"transaction": tx, "balance": bal})
}

func (h Handlers) MyEarnings(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	rng, ok := parseRange(c)
	if !ok {
		return
	}
	l, err := h.Listeners.GetByUserID(c.Request.Context(), id.userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out, err := h.Reports.ListenerEarnings(c.Request.Context(), l.ID, rng)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) MySpend(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	rng, ok := parseRange(c)
	if !ok {
		return
	}
	out, err := h.Reports.UserSpend(c.Request.Context(), id.userID, rng)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// parseRange reads optional RFC3339 from/to query parameters.
func parseRange(c *gin.Context) (reporting.TimeRange, bool) {
	var rng reporting.TimeRange
	for key, dst := range map[string]*time.Time{"from": &rng.From, "to": &rng.To} {
		raw := c.Query(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": key + " must be RFC3339"})
			return reporting.TimeRange{}, false
		}
		*dst = t
	}
	return rng, true
}
