package bus

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/studyhub/peercall/internal/models"
)

// Redis is a Bus backed by Redis pub/sub. Every relay instance subscribed to
// a room sees records appended through any other instance.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an already connected client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func channelName(roomID string) string {
	return "records:" + roomID
}

// Append publishes rec on the room channel.
func (r *Redis) Append(ctx context.Context, rec *models.Record) error {
	if rec == nil {
		return errors.New("nil record")
	}
	stamp(rec)

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal record")
	}
	if err := r.client.Publish(ctx, channelName(rec.RoomID), data).Err(); err != nil {
		return errors.Wrapf(err, "publish to room %s", rec.RoomID)
	}
	return nil
}

// Subscribe listens on the room channel until cancel is called or ctx ends.
func (r *Redis) Subscribe(ctx context.Context, roomID string) (<-chan *models.Record, func(), error) {
	pubsub := r.client.Subscribe(ctx, channelName(roomID))
	// Wait for the subscription to be confirmed so no record published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, errors.Wrapf(err, "subscribe to room %s", roomID)
	}

	out := make(chan *models.Record, subscriberBuffer)
	subCtx, stop := context.WithCancel(ctx)

	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var rec models.Record
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					log.Warnf("dropping malformed record on %s: %v", msg.Channel, err)
					continue
				}
				select {
				case out <- &rec:
				default:
					log.Warnf("subscriber buffer full in room %s, dropping record %s", roomID, rec.ID)
				}
			}
		}
	}()

	return out, stop, nil
}
