package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is append-only; there are no update or delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records admin actions. Callers treat it as best-effort: a failed
// audit write is logged and never blocks the action.
type Service struct {
	repo  Repository
	clock func() time.Time
	log   *slog.Logger
}

func NewService(repo Repository, l *slog.Logger) *Service {
	if l == nil {
		l = slog.Default()
	}
	return &Service{repo: repo, clock: time.Now, log: l}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Record appends an admin action with metadata encoded as JSON. Failures are
// logged and swallowed.
func (s *Service) Record(ctx context.Context, typ EventType, actor Actor, targetID, message string, metadata any) {
	var meta string
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			s.log.Warn("audit metadata not encodable", "type", typ, "error", err)
		} else {
			meta = string(raw)
		}
	}
	err := s.Append(ctx, Event{
		Type:        typ,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		IPAddress:   actor.IP,
		TargetID:    targetID,
		Message:     message,
		Metadata:    meta,
	})
	if err != nil {
		s.log.Error("audit write failed", "type", typ, "target_id", targetID, "error", err)
	}
}
