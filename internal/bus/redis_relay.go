package bus

import (
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis"
)

// redisKeyPrefix namespaces Nexus's pub/sub channels within a shared Redis
// instance.
const redisKeyPrefix = "nexus:bus:"

// RedisRelay is the cluster-mode Relay backed by go-redis's Client.
type RedisRelay struct {
	client *redis.Client
}

// NewRedisRelay wraps an already-connected redis.Client.
func NewRedisRelay(client *redis.Client) *RedisRelay {
	return &RedisRelay{client: client}
}

// DialRedis constructs a redis.Client from addr and an optional password.
func DialRedis(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
}

func channelName(topic string) string {
	return redisKeyPrefix + topic
}

// Publish implements Relay.
func (r *RedisRelay) Publish(topic string, env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.client.Publish(channelName(topic), b).Err()
}

// Subscribe implements Relay.
func (r *RedisRelay) Subscribe(topic string) (<-chan Envelope, func(), error) {
	pubsub := r.client.Subscribe(channelName(topic))
	if _, err := pubsub.Receive(); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("bus: subscribe %s: %w", topic, err)
	}

	out := make(chan Envelope, defaultSubscriberBuffer)
	msgs := pubsub.Channel()
	go func() {
		defer close(out)
		for msg := range msgs {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			select {
			case out <- env:
			default:
				// Relay consumer fell behind; drop rather than stall the
				// redis client's delivery goroutine for every topic.
			}
		}
	}()

	unsubscribe := func() { pubsub.Close() }
	return out, unsubscribe, nil
}
