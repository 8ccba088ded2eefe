package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"suppliersync/internal/domain"
)

const defaultRelayChannel = "suppliersync:events"

// RedisRelayConfig configures the cross-process event relay.
type RedisRelayConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisRelay publishes thread events on a Redis pub/sub channel so every
// server process can deliver them to its own observers.
type RedisRelay struct {
	rdb     *goredis.Client
	channel string
	logger  *slog.Logger
}

var _ Relay = (*RedisRelay)(nil)

func NewRedisRelay(ctx context.Context, cfg RedisRelayConfig, logger *slog.Logger) (*RedisRelay, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis relay: missing address")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = defaultRelayChannel
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisRelay{
		rdb:     rdb,
		channel: channel,
		logger:  logger.With("component", "redis_relay"),
	}, nil
}

func (r *RedisRelay) Publish(ctx context.Context, ev domain.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return r.rdb.Publish(ctx, r.channel, raw).Err()
}

// Run subscribes to the relay channel and hands every event to deliver until
// ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context, deliver func(context.Context, domain.Event)) error {
	if deliver == nil {
		return fmt.Errorf("redis relay: deliver callback required")
	}

	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	// ensures the subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	r.logger.Info("relay forwarder subscribed", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok || m == nil {
				return fmt.Errorf("redis relay: subscription closed")
			}
			ev, err := decodeRelayPayload(m.Payload)
			if err != nil {
				r.logger.Warn("bad relay payload", "err", err)
				continue
			}
			deliver(ctx, ev)
		}
	}
}

func decodeRelayPayload(payload string) (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return domain.Event{}, err
	}
	if ev.ThreadID == "" {
		return domain.Event{}, fmt.Errorf("event %s without thread_id", ev.Type)
	}
	return ev, nil
}

func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}
