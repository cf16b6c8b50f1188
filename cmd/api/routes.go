package main

import (
	"github.com/gin-gonic/gin"

	"listener-calls/internal/auth"
	"listener-calls/internal/gateway/ws"
	"listener-calls/internal/httpapi"
	"listener-calls/internal/rbac"
	"listener-calls/internal/wallet"
)

// registerRoutes wires HTTP routes to handlers. No business logic here.
func registerRoutes(r *gin.Engine, am *auth.Manager, h httpapi.Handlers, gw *ws.Handler, funds wallet.BalanceService) {
	r.GET("/healthz", httpapi.Health)
	r.GET("/ws", auth.RequireSocketToken(am), gw.Serve)

	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(am))

	callsGroup := v1.Group("/calls")
	{
		callsGroup.POST("", wallet.RequireFundedWallet(funds), h.CreateCall)
		callsGroup.POST("/random", wallet.RequireFundedWallet(funds), h.CreateRandomCall)
		callsGroup.POST("/end", h.EndCall)
		callsGroup.GET("/history/me", h.MyHistory)
		callsGroup.GET("/history/listener", rbac.RequireAnyRole(rbac.RoleListener), h.ListenerHistory)
		callsGroup.GET("/active/me", h.MyActiveCalls)
		callsGroup.POST("/media/token", h.MediaToken)
		callsGroup.GET("/:id", h.GetCall)
		callsGroup.PUT("/:id/status", h.UpdateCallStatus)
	}

	v1.GET("/wallet/balance", h.WalletBalance)
	v1.GET("/users/me/spend", h.MySpend)
	v1.GET("/listeners/me/earnings", rbac.RequireAnyRole(rbac.RoleListener), h.MyEarnings)

	admin := v1.Group("/admin")
	admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
	{
		admin.PUT("/listeners/:id/rates", h.SetListenerRates)
		admin.GET("/rate-config", h.GetRateConfig)
		admin.PUT("/rate-config", h.UpdateRateConfig)
		admin.POST("/wallets/credit", h.CreditWallet)
	}
}
