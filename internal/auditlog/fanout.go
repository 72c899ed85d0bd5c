package auditlog

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aegiscdr/internal/redis"
)

const fanOutChannel = "auditlog:update"

type fanOutMessage struct {
	Origin string       `json:"origin"`
	Update Notification `json:"update"`
}

// fanOut relays notifications between instances sharing one redis.
type fanOut struct {
	client *redis.Client
	origin string
	log    *zap.Logger
}

// EnableFanOut publishes local notifications on redis and re-emits the ones
// published by other instances to local subscribers until ctx is done.
func (s *Store) EnableFanOut(ctx context.Context, client *redis.Client) error {
	f := &fanOut{client: client, origin: uuid.NewString(), log: s.log}
	pubsub, err := client.Subscribe(ctx, fanOutChannel)
	if err != nil {
		return err
	}
	// wait for the subscription so nothing published after return is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}
	s.mu.Lock()
	s.fanOut = f
	s.mu.Unlock()

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var in fanOutMessage
				if err := json.Unmarshal([]byte(msg.Payload), &in); err != nil {
					f.log.Warn("audit log fan-out decode failed", zap.Error(err))
					continue
				}
				if in.Origin == f.origin {
					continue
				}
				s.hub.broadcast(in.Update)
			}
		}
	}()
	return nil
}

func (f *fanOut) publish(n Notification) {
	payload, err := json.Marshal(fanOutMessage{Origin: f.origin, Update: n})
	if err != nil {
		f.log.Warn("audit log fan-out marshal failed", zap.Error(err))
		return
	}
	if err := f.client.Publish(context.Background(), fanOutChannel, payload); err != nil {
		f.log.Warn("audit log fan-out publish failed", zap.Error(err))
	}
}
