package wallet

import (
	"context"
	"net/http"

	"listener-calls/internal/auth"
	"listener-calls/internal/rbac"

	"github.com/gin-gonic/gin"
)

// BalanceService is the minimal wallet interface needed by middleware.
type BalanceService interface {
	GetBalance(ctx context.Context, userID string) (Balance, error)
}

// RequireFundedWallet rejects callers with an empty wallet before any call
// setup work happens. The exact per-listener minimum is checked by the calls
// service once the rate is known. Admins pass through.
func RequireFundedWallet(svc BalanceService) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := auth.Role(c.Request.Context())
		if rbac.IsAdmin(role) {
			c.Next()
			return
		}

		userID, err := auth.UserID(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
			return
		}

		bal, err := svc.GetBalance(c.Request.Context(), userID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
			return
		}
		if bal.BalanceMinor <= 0 {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "insufficient balance"})
			return
		}
		c.Next()
	}
}
