package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATS publishes JSON events as plain core NATS messages.
type NATS struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

func NewNATS(cfg NATSConfig, l *slog.Logger) (*NATS, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if l == nil {
		l = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "listener-calls"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{conn: conn, prefix: cfg.SubjectPrefix, log: l}, nil
}

func (p *NATS) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.conn.Publish(e.Subject(p.prefix), data)
}

// Close drains buffered messages before closing the connection.
func (p *NATS) Close() error {
	return p.conn.Drain()
}
