package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"

	"listener-calls/internal/audit"
	"listener-calls/internal/auth"
	"listener-calls/internal/billing"
	"listener-calls/internal/busy"
	"listener-calls/internal/calls"
	"listener-calls/internal/config"
	"listener-calls/internal/events"
	"listener-calls/internal/gateway/ws"
	"listener-calls/internal/governor"
	"listener-calls/internal/httpapi"
	"listener-calls/internal/listeners"
	"listener-calls/internal/media"
	"listener-calls/internal/presence"
	"listener-calls/internal/pricing"
	"listener-calls/internal/reporting"
	"listener-calls/internal/routing"
	"listener-calls/internal/session"
	"listener-calls/internal/wallet"
	"listener-calls/pkg/logger"
	"listener-calls/pkg/utils"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}
	mediaIssuer, err := media.NewIssuer(cfg.Media.TokenSecret, cfg.Auth.JWTIssuer, cfg.Media.TokenTTL)
	if err != nil {
		log.Error("media token init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	listenerRepo := listeners.NewPostgresRepo(db)
	mirrors := busy.Multi{busy.DB{Store: listenerRepo}}
	if cfg.RedisEnabled() {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		mirrors = append(mirrors, busy.Redis{Client: rdb})
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.NATS.URL != "" {
		nc, err := events.NewNATS(events.NATSConfig{URL: cfg.NATS.URL, SubjectPrefix: cfg.NATS.Subject}, logger.Component(log, "events"))
		if err != nil {
			log.Error("nats init failed", "err", err)
			os.Exit(1)
		}
		publisher = nc
	}
	defer publisher.Close()

	// Busy state is rebuilt empty on start; stale mirrors from a previous
	// process would otherwise block listeners forever.
	if n, err := mirrors.Reset(rootCtx); err != nil {
		log.Warn("busy mirror reset incomplete", "cleared", n, "err", err)
	} else {
		log.Info("busy mirror reset", "cleared", n)
	}

	wallets := wallet.NewService(db)
	offers := pricing.NewService(pricing.NewPostgresRepo(db))
	listenerSvc := listeners.NewService(listenerRepo)
	ledger := billing.NewLedger(billing.NewPostgresStore(db), logger.Component(log, "billing"))
	sched := governor.RealScheduler{}

	registry := presence.New(sched, cfg.Session.PresenceDebounce, publisher, logger.Component(log, "presence"))

	// calls.Service reads live presence and busy state from the session
	// manager, which in turn needs calls.Service; liveView breaks the cycle.
	live := &liveView{}
	callSvc := calls.NewService(calls.NewPostgresRepo(db), listenerRepo, offers, wallets, live)

	sessions := session.New(session.Deps{
		Presence: registry,
		Calls:    callSvc,
		Billing:  ledger,
		Verifier: listenerSvc,
		Governor: governor.New(wallets, sched, cfg.Session.CapGrace),
		Busy:     mirrors,
		Online:   listenerRepo,
		Events:   publisher,
		Timings:  cfg.Session,
		Logger:   logger.Component(log, "session"),
	})
	live.set(sessions)

	// Stopped by sessions.Shutdown after HTTP drains, not by the signal.
	sessionCtx, stopSessions := context.WithCancel(context.Background())
	defer stopSessions()
	sessionDone := make(chan struct{})
	go func() {
		defer close(sessionDone)
		sessions.Run(sessionCtx)
	}()

	handlers := httpapi.Handlers{
		Calls:     callSvc,
		Ledger:    ledger,
		Sessions:  sessions,
		Matcher:   routing.NewMatcher(listenerRepo, sessions, rand.New(rand.NewSource(time.Now().UnixNano()))),
		Media:     mediaIssuer,
		Wallet:    wallets,
		Listeners: listenerSvc,
		Offers:    offers,
		Audit:     audit.NewService(audit.NewPostgresRepo(db), logger.Component(log, "audit")),
		Reports:   reporting.NewService(reporting.NewPostgresRepo(db)),
		Log:       logger.Component(log, "http"),
	}
	gateway := ws.NewHandler(sessions, cfg.App.AllowedOrigins, logger.Component(log, "ws"))

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, authManager, handlers, gateway, wallets)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.Error("session shutdown failed", "err", err)
	}
	select {
	case <-sessionDone:
	case <-shutdownCtx.Done():
	}
}
