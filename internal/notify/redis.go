// Package notify рассылает события прогресса заданий внешним подписчикам.
package notify

import (
	"context"
	"encoding/json"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"wipeengine/internal/wipe"
)

// DefaultChannel канал Redis по умолчанию
const DefaultChannel = "wipeengine:progress"

// Publisher доставляет одно событие прогресса
type Publisher interface {
	Publish(ctx context.Context, ev wipe.ProgressEvent) error
}

// RedisPublisher публикует события в канал Redis (PUBLISH)
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher подключается к Redis по адресу host:port или redis:// URL
func NewRedisPublisher(ctx context.Context, addr, channel string) (*RedisPublisher, error) {
	if addr == "" {
		return nil, cerr.New("redis addr is required")
	}
	if channel == "" {
		channel = DefaultChannel
	}

	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, cerr.Wrapf(err, "ping redis %s", addr)
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

// Channel имя канала публикации
func (p *RedisPublisher) Channel() string { return p.channel }

func (p *RedisPublisher) Publish(ctx context.Context, ev wipe.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return cerr.Wrap(err, "marshal progress event")
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return cerr.Wrapf(err, "publish to %s", p.channel)
	}
	return nil
}

// Subscribe подписка на канал; используется клиентами и тестами
func (p *RedisPublisher) Subscribe(ctx context.Context) *redis.PubSub {
	return p.client.Subscribe(ctx, p.channel)
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Forward передает события из канала подписки в publisher, пока канал не
// закрыт. Ошибки доставки журналируются и не прерывают пересылку.
func Forward(ctx context.Context, p Publisher, events <-chan wipe.ProgressEvent, logger *zap.Logger) int {
	delivered := 0
	for ev := range events {
		if err := p.Publish(ctx, ev); err != nil {
			logger.Warn("Не удалось опубликовать событие прогресса",
				zap.String("job_id", ev.JobID.String()),
				zap.String("target", ev.Identifier),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}
