package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Publisher is the write side of the broadcast channel. Services receive it
// at construction instead of reaching into shared global state.
type Publisher interface {
	Publish(ctx context.Context, room Room, ev Event) error
}

// Broadcaster fans events out to room subscribers over Redis pub/sub.
type Broadcaster struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(rdb *redis.Client, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		rdb: rdb,
		log: log.With().Str("component", "broadcaster").Logger(),
	}
}

// Publish sends ev into room. Best-effort: an error means the event was not
// delivered and will not be retried.
func (b *Broadcaster) Publish(ctx context.Context, room Room, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := b.rdb.Publish(ctx, room.Channel(), payload).Err(); err != nil {
		b.log.Warn().
			Err(err).
			Str("channel", room.Channel()).
			Str("event", string(ev.Type)).
			Msg("Publish failed")
		return fmt.Errorf("publish to %s: %w", room.Channel(), err)
	}

	return nil
}

// Subscribe attaches to a room's event stream. The caller owns the returned
// subscription and must Close it.
func (b *Broadcaster) Subscribe(ctx context.Context, room Room) *redis.PubSub {
	return b.rdb.Subscribe(ctx, room.Channel())
}
