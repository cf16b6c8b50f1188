// Command callctl is the operator CLI: manual billing finalization, cap
// inspection, busy reset, wallet credits and test tokens.
package main

import (
	"context"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"

	"listener-calls/internal/audit"
	"listener-calls/internal/auth"
	"listener-calls/internal/billing"
	"listener-calls/internal/busy"
	"listener-calls/internal/config"
	"listener-calls/internal/governor"
	"listener-calls/internal/listeners"
	"listener-calls/internal/wallet"
	"listener-calls/pkg/logger"
	"listener-calls/pkg/utils"
)

func main() {
	if err := newRootCmd(loadFromEnv).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadFromEnv builds deps from the same environment the api reads. Only
// commands that touch storage open Postgres and Redis.
func loadFromEnv(ctx context.Context, needStore bool) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.App.Env)

	tokens, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return nil, err
	}
	d := &deps{tokens: tokens, close: func() error { return nil }}
	if !needStore {
		return d, nil
	}

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: 2})
	if err != nil {
		return nil, err
	}
	closers := []func() error{db.Close}

	mirrors := busy.Multi{busy.DB{Store: listeners.NewPostgresRepo(db)}}
	if cfg.RedisEnabled() {
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		closers = append(closers, rdb.Close)
		mirrors = append(mirrors, busy.Redis{Client: rdb})
	}

	wallets := wallet.NewService(db)
	d.ledger = billing.NewLedger(billing.NewPostgresStore(db), logger.Component(log, "billing"))
	d.capper = governor.New(wallets, nil, cfg.Session.CapGrace)
	d.mirrors = mirrors
	d.wallets = wallets
	d.audit = audit.NewService(audit.NewPostgresRepo(db), logger.Component(log, "audit"))
	d.close = closeAll(closers)
	return d, nil
}

func closeAll(fns []func() error) func() error {
	return func() error {
		var first error
		for _, fn := range fns {
			if err := fn(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
}
