package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"listener-calls/internal/calls"
	"listener-calls/internal/pricing"
)

type createCallRequest struct {
	ListenerID string         `json:"listener_id"`
	CallType   calls.CallType `json:"call_type"`
}

type callCreated struct {
	Call                calls.Call `json:"call"`
	RatePerMinute       string     `json:"rate_per_minute"`
	OfferApplied        bool       `json:"offer_applied"`
	MinimumBalanceMinor int64      `json:"minimum_balance_minor"`
}

func created(c calls.Call, q pricing.Quote) callCreated {
	return callCreated{
		Call:                c,
		RatePerMinute:       q.Rate.String(),
		OfferApplied:        q.OfferApplied,
		MinimumBalanceMinor: q.MinimumBalanceMinor(),
	}
}

// CreateCall runs the pre-call checks and stores a pending call.
func (h Handlers) CreateCall(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	call, quote, err := h.Calls.Create(c.Request.Context(), calls.CreateRequest{
		CallerID:   id.userID,
		ListenerID: req.ListenerID,
		CallType:   req.CallType,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created(call, quote))
}

// CreateRandomCall picks a listener and creates the call with it.
func (h Handlers) CreateRandomCall(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	var req createCallRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	l, err := h.Matcher.Pick(c.Request.Context(), id.userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	call, quote, err := h.Calls.Create(c.Request.Context(), calls.CreateRequest{
		CallerID:   id.userID,
		ListenerID: l.ID,
		CallType:   req.CallType,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created(call, quote))
}

func (h Handlers) GetCall(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	call, err := h.Calls.Get(c.Request.Context(), c.Param("id"), id.userID, id.admin())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

type updateStatusRequest struct {
	Status          calls.CallStatus `json:"status"`
	DurationSeconds int              `json:"duration_seconds"`
}

// UpdateCallStatus applies a client-reported status. completed bills the
// call; ongoing marks the listener busy; other terminals release it.
func (h Handlers) UpdateCallStatus(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	callID := c.Param("id")

	if req.Status == calls.CallStatusCompleted {
		out, err := h.endCall(c.Request.Context(), id, callID, req.DurationSeconds)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
		return
	}

	call, err := h.Calls.UpdateStatus(c.Request.Context(), callID, id.userID, req.Status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	switch {
	case call.Status == calls.CallStatusOngoing:
		if err := h.Sessions.MarkBusy(c.Request.Context(), call.ListenerUserID, call.CallID); err != nil {
			h.log().Warn("mark busy failed", "call_id", call.CallID, "error", err)
		}
	case call.Status.Terminal():
		if err := h.Sessions.Release(c.Request.Context(), call.CallID, call.ListenerUserID, id.userID); err != nil {
			h.log().Warn("release failed", "call_id", call.CallID, "error", err)
		}
	}
	c.JSON(http.StatusOK, call)
}

type endCallRequest struct {
	CallID          string `json:"callId"`
	DurationSeconds int    `json:"durationSeconds"`
}

// endBilling is the money side of an ended call, in minor units.
type endBilling struct {
	Minutes         int   `json:"minutes"`
	UserCharge      int64 `json:"userCharge"`
	ListenerEarn    int64 `json:"listenerEarn"`
	DurationSeconds int   `json:"durationSeconds"`
	AlreadyBilled   bool  `json:"alreadyBilled"`
}

type callEnded struct {
	Call    calls.Call `json:"call"`
	Billing endBilling `json:"billing"`
}

// EndCall bills a call from the REST side. Repeating it returns the stored
// billing outcome.
func (h Handlers) EndCall(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	var req endCallRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CallID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "callId required"})
		return
	}
	out, err := h.endCall(c.Request.Context(), id, req.CallID, req.DurationSeconds)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) endCall(ctx context.Context, id identity, callID string, reported int) (callEnded, error) {
	call, secs, err := h.Calls.ResolveEnd(ctx, callID, id.userID, reported, id.admin())
	if err != nil {
		return callEnded{}, err
	}
	res, err := h.Ledger.Finalize(ctx, call.CallID, secs)
	if err != nil {
		return callEnded{}, err
	}
	if err := h.Sessions.Release(ctx, call.CallID, call.ListenerUserID, id.userID); err != nil {
		h.log().Warn("release failed", "call_id", call.CallID, "error", err)
	}
	// Billing completed the row; report it as stored.
	if done, err := h.Calls.Get(ctx, call.CallID, id.userID, id.admin()); err == nil {
		call = done
	} else {
		h.log().Warn("reload of billed call failed", "call_id", call.CallID, "error", err)
	}
	return callEnded{
		Call: call,
		Billing: endBilling{
			Minutes:         res.Minutes,
			UserCharge:      res.UserChargeMinor,
			ListenerEarn:    res.ListenerEarnMinor,
			DurationSeconds: call.DurationSeconds,
			AlreadyBilled:   res.AlreadyBilled,
		},
	}, nil
}

func (h Handlers) MyHistory(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	out, err := h.Calls.HistoryForCaller(c.Request.Context(), id.userID, queryLimit(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": out})
}

func (h Handlers) ListenerHistory(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	l, err := h.Listeners.GetByUserID(c.Request.Context(), id.userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out, err := h.Calls.HistoryForListener(c.Request.Context(), l.ID, queryLimit(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": out})
}

func (h Handlers) MyActiveCalls(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	out, err := h.Calls.Active(c.Request.Context(), id.userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": out})
}

type mediaTokenRequest struct {
	ChannelName string `json:"channel_name"`
	UID         uint32 `json:"uid"`
}

func (h Handlers) MediaToken(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	var req mediaTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	tok, err := h.Media.Issue(h.now(), req.ChannelName, id.userID, req.UID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}
