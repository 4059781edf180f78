package store

import (
	"context"
	"encoding/json"
	"log"

	"virlaw/internal/redis"
)

const changeChannel = "virlaw:store:changes"

// RedisNotifier relays change events through a redis pub/sub channel so
// that subscriptions held by other service instances see writes made by
// this one. Local handlers are fed from the redis stream only, which keeps
// delivery uniform across instances.
type RedisNotifier struct {
	client *redis.Client
	local  *LocalNotifier
	cancel context.CancelFunc
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &RedisNotifier{
		client: client,
		local:  NewLocalNotifier(),
		cancel: cancel,
	}
	go n.listen(ctx)
	return n
}

func (n *RedisNotifier) listen(ctx context.Context) {
	raw := n.client.Raw()
	if raw == nil {
		return
	}
	pubsub := raw.Subscribe(ctx, changeChannel)
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
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				log.Printf("store change decode failed: %v", err)
				continue
			}
			n.local.Publish(change)
		}
	}
}

func (n *RedisNotifier) Publish(change Change) {
	payload, err := json.Marshal(change)
	if err != nil {
		log.Printf("store change marshal failed: %v", err)
		return
	}
	if err := n.client.Publish(context.Background(), changeChannel, payload); err != nil {
		log.Printf("store change publish failed: %v", err)
	}
}

func (n *RedisNotifier) Subscribe(fn func(Change)) func() {
	return n.local.Subscribe(fn)
}

// Close stops the redis listener.
func (n *RedisNotifier) Close() {
	n.cancel()
}
