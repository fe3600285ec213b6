package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultStream       = "varta:connection_audit"
	defaultStreamMaxLen = 100_000
)

type redisRecorder struct {
	client *redis.Client
	stream string
	maxLen int64
}

func openRedis(ctx context.Context, dsn string, log *slog.Logger) (*redisRecorder, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Info("audit store opened", "backend", "redis", "addr", opts.Addr, "stream", defaultStream)
	return newRedisRecorder(client, defaultStream, defaultStreamMaxLen), nil
}

func newRedisRecorder(client *redis.Client, stream string, maxLen int64) *redisRecorder {
	return &redisRecorder{client: client, stream: stream, maxLen: maxLen}
}

// Record appends to a capped stream. Trimming is approximate.
func (r *redisRecorder) Record(ctx context.Context, rec Record) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"connection_id": rec.ConnectionID,
			"ip":            rec.IP,
			"country":       rec.Country,
			"details":       rec.detailsText(),
			"created_at":    rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd audit record: %w", err)
	}
	return nil
}

func (r *redisRecorder) Close() error {
	return r.client.Close()
}
