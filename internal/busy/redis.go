package busy

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"listener-calls/pkg/utils"
)

const (
	KeyPrefix = "busy:listener:"
	// DefaultTTL bounds a slot leaked by a crashed process.
	DefaultTTL = 6 * time.Hour
)

// Redis holds one slot per listener owned by the call id.
type Redis struct {
	Client *redis.Client
	TTL    time.Duration
}

func key(listenerUserID string) string { return KeyPrefix + listenerUserID }

func (r Redis) ttl() time.Duration {
	if r.TTL <= 0 {
		return DefaultTTL
	}
	return r.TTL
}

func (r Redis) Set(ctx context.Context, listenerUserID, callID string) error {
	ok, err := utils.AcquireSlot(ctx, r.Client, key(listenerUserID), callID, r.ttl())
	if err != nil {
		return err
	}
	if !ok {
		return ErrSlotHeld
	}
	return nil
}

// Clear releases the slot held by callID. An empty callID releases any holder.
func (r Redis) Clear(ctx context.Context, listenerUserID, callID string) error {
	_, err := utils.ReleaseSlot(ctx, r.Client, key(listenerUserID), callID)
	return err
}

func (r Redis) Reset(ctx context.Context) (int, error) {
	return utils.DeleteByPrefix(ctx, r.Client, KeyPrefix)
}
