// Package redisbroker implements the coordinator's broker capability surface
// on Redis: atomic owned-lock operations on the KV side and consumer-group
// stream primitives on the stream side.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/sonicx222/arb-coordinator/internal/domain"
)

// renewScript extends the TTL only while the caller still owns the key.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// releaseScript deletes the key only while the caller still owns it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Broker is the Redis-backed implementation of domain.Broker.
type Broker struct {
	client  *redis.Client
	renew   *redis.Script
	release *redis.Script
}

// New parses a Redis URL and connects, retrying the initial ping with
// exponential backoff so a racing docker-compose boot does not abort start.
func New(ctx context.Context, redisURL string) (*Broker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=redisbroker.New: %w: %w", domain.ErrConfigInvalid, err)
	}
	b := NewFromClient(redis.NewClient(opt))

	bo := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(15*time.Second),
	), ctx)
	if err := backoff.Retry(func() error { return b.client.Ping(ctx).Err() }, bo); err != nil {
		_ = b.client.Close()
		return nil, fmt.Errorf("op=redisbroker.New: ping: %w: %w", domain.ErrBrokerUnavailable, err)
	}
	return b, nil
}

// NewFromClient wraps an existing client. Tests use this with miniredis.
func NewFromClient(client *redis.Client) *Broker {
	return &Broker{
		client:  client,
		renew:   redis.NewScript(renewScript),
		release: redis.NewScript(releaseScript),
	}
}

// Ping verifies connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return classify("redisbroker.Ping", err)
	}
	return nil
}

// Close releases the underlying client.
func (b *Broker) Close() error {
	return b.client.Close()
}

// classify maps a go-redis error onto the broker error taxonomy. Network and
// cancellation failures are retryable; everything else is a protocol error.
func classify(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("op=%s: %w: %w", op, domain.ErrBrokerUnavailable, err)
	default:
		return fmt.Errorf("op=%s: %w: %w", op, domain.ErrBrokerProtocol, err)
	}
}

// SetIfAbsent implements domain.KV via SET NX PX.
func (b *Broker) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, classify("redisbroker.SetIfAbsent", err)
	}
	return ok, nil
}

// RenewIfOwned implements domain.KV via a single check-and-extend script.
func (b *Broker) RenewIfOwned(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := b.renew.Run(ctx, b.client, []string{key}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, classify("redisbroker.RenewIfOwned", err)
	}
	return res == 1, nil
}

// ReleaseIfOwned implements domain.KV via a single check-and-delete script.
func (b *Broker) ReleaseIfOwned(ctx context.Context, key, value string) (bool, error) {
	res, err := b.release.Run(ctx, b.client, []string{key}, value).Int64()
	if err != nil {
		return false, classify("redisbroker.ReleaseIfOwned", err)
	}
	return res == 1, nil
}

// CreateGroup creates a consumer group with MKSTREAM; BUSYGROUP is swallowed.
func (b *Broker) CreateGroup(ctx context.Context, stream, group, startFrom string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, startFrom).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return classify("redisbroker.CreateGroup", err)
	}
	return nil
}

// ReadGroup blocks up to block for at most count new entries.
func (b *Broker) ReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration, count int64) ([]domain.StreamMessage, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, classify("redisbroker.ReadGroup", err)
	}

	var out []domain.StreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, domain.StreamMessage{ID: m.ID, Values: m.Values})
		}
	}
	return out, nil
}

// Ack acknowledges one entry.
func (b *Broker) Ack(ctx context.Context, stream, group, id string) error {
	if err := b.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return classify("redisbroker.Ack", err)
	}
	return nil
}

// Append adds an entry and returns its id.
func (b *Broker) Append(ctx context.Context, stream string, values map[string]any) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", classify("redisbroker.Append", err)
	}
	return id, nil
}

// AppendCapped adds an entry while approximately bounding the stream length.
func (b *Broker) AppendCapped(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", classify("redisbroker.AppendCapped", err)
	}
	return id, nil
}

// PendingSummary reports the group's pending-entries list.
func (b *Broker) PendingSummary(ctx context.Context, stream, group string) (domain.PendingSummary, error) {
	res, err := b.client.XPending(ctx, stream, group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PendingSummary{}, nil
		}
		return domain.PendingSummary{}, classify("redisbroker.PendingSummary", err)
	}
	return domain.PendingSummary{
		Total:     res.Count,
		Consumers: res.Consumers,
		MinID:     res.Lower,
		MaxID:     res.Higher,
	}, nil
}

// PendingRange lists pending entries in [from,to], optionally for one consumer.
func (b *Broker) PendingRange(ctx context.Context, stream, group, from, to string, limit int64, consumer string) ([]domain.PendingEntry, error) {
	args := &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  from,
		End:    to,
		Count:  limit,
	}
	if consumer != "" {
		args.Consumer = consumer
	}
	res, err := b.client.XPendingExt(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, classify("redisbroker.PendingRange", err)
	}

	out := make([]domain.PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, domain.PendingEntry{
			ID:            p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return out, nil
}

// Claim transfers ownership of ids idle at least minIdle to newConsumer.
func (b *Broker) Claim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, ids []string) ([]domain.StreamMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	res, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: newConsumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, classify("redisbroker.Claim", err)
	}

	out := make([]domain.StreamMessage, 0, len(res))
	for _, m := range res {
		out = append(out, domain.StreamMessage{ID: m.ID, Values: m.Values})
	}
	return out, nil
}

var _ domain.Broker = (*Broker)(nil)
