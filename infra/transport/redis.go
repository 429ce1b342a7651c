package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kilianp07/ambulance/core/factory"
	"github.com/kilianp07/ambulance/core/fanout"
	"github.com/kilianp07/ambulance/core/logger"
)

// RedisConfig locates the Redis server used for pub/sub.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	// Prefix namespaces the channels; defaults to "ambulance:events:".
	Prefix string `json:"prefix"`
}

// Redis carries events on pub/sub channels <prefix><topic>.
type Redis struct {
	client *redis.Client
	prefix string
	log    logger.Logger
}

// NewRedis connects to Redis and checks the connection.
func NewRedis(ctx context.Context, cfg RedisConfig, log logger.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "ambulance:events:"
	}
	return &Redis{client: client, prefix: prefix, log: logger.OrNop(log)}, nil
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Publish(ctx context.Context, topic string, ev fanout.Event) error {
	if err := checkTopic(topic); err != nil || topic == AllTopics {
		return fmt.Errorf("redis publish: invalid topic %q", topic)
	}
	payload, err := encode(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.prefix+topic, payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (<-chan fanout.Event, func(), error) {
	if err := checkTopic(topic); err != nil {
		return nil, nil, err
	}
	var ps *redis.PubSub
	if topic == AllTopics {
		ps = r.client.PSubscribe(ctx, r.prefix+"*")
	} else {
		ps = r.client.Subscribe(ctx, r.prefix+topic)
	}
	// Receive waits for the subscription confirmation.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}
	p := newPump(ctx, "redis "+topic, r.log)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := ps.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				p.deliver([]byte(msg.Payload))
			case <-p.ctx.Done():
				return
			}
		}
	}()
	stop := func() {
		p.cancel()
		<-done
		_ = ps.Close()
	}
	return p.out, stop, nil
}

func (r *Redis) Close() error { return r.client.Close() }

func init() {
	_ = Register("redis", func(conf map[string]any) (fanout.Transport, error) {
		var c RedisConfig
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewRedis(context.Background(), c, nil)
	})
}
