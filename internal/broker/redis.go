package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// popScript atomically takes the lowest ranked ready member and records it as in flight
var popScript = redis.NewScript(`
local items = redis.call('ZRANGE', KEYS[1], 0, 0)
if #items == 0 then
	return false
end
redis.call('ZREM', KEYS[1], items[1])
redis.call('ZADD', KEYS[2], ARGV[1], items[1])
return items[1]
`)

// moveScript moves a member between sorted sets only if it is still present in the source,
// so a reclaimed lease cannot be acked or nacked twice
var moveScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

type envelope struct {
	ID string `json:"id"`
	Message
	Redelivered bool `json:"redelivered,omitempty"`
}

// Redis is a Broker backed by three sorted sets per queue: ready (scored by rank), delayed
// (scored by due time) and inflight (scored by visibility deadline)
type Redis struct {
	rdb       *redis.Client
	prefix    string
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
	done      chan struct{}
	closeOnce sync.Once
}

// NewRedis creates a broker that keeps its keys under prefix
func NewRedis(rdb *redis.Client, prefix string, opts Options, logger *slog.Logger) *Redis {
	return &Redis{
		rdb:    rdb,
		prefix: prefix,
		opts:   opts.withDefaults(),
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// SetClock overrides the time source used for scores
func (r *Redis) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Redis) Enqueue(ctx context.Context, msg Message) error {
	member, err := encodeEnvelope(envelope{ID: uuid.NewString(), Message: msg})
	if err != nil {
		return err
	}

	score := float64(rank(r.now(), msg.Priority, r.opts.Aging))
	if err := r.rdb.ZAdd(ctx, r.key(msg.Queue, "ready"), redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", msg.JobID, err)
	}

	r.logger.Debug("Job enqueued",
		slog.String("job_id", msg.JobID),
		slog.String("queue", msg.Queue),
		slog.String("priority", msg.Priority.String()),
	)
	return nil
}

func (r *Redis) Dequeue(ctx context.Context, queue string) (*Lease, error) {
	for {
		select {
		case <-r.done:
			return nil, ErrClosed
		default:
		}

		now := r.now()
		if err := r.promote(ctx, queue, now); err != nil {
			return nil, err
		}

		deadline := now.Add(r.opts.VisibilityTimeout).UnixMilli()
		member, err := popScript.Run(ctx, r.rdb,
			[]string{r.key(queue, "ready"), r.key(queue, "inflight")},
			deadline,
		).Text()
		if err == nil {
			env, err := decodeEnvelope(member)
			if err != nil {
				return nil, err
			}
			return &Lease{
				Message:     env.Message,
				Redelivered: env.Redelivered,
				DeliveredAt: now,
				ref:         member,
			}, nil
		}
		if !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to dequeue from %s: %w", queue, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.done:
			return nil, ErrClosed
		case <-time.After(r.opts.PollInterval):
		}
	}
}

func (r *Redis) Ack(ctx context.Context, lease *Lease) error {
	member, _ := lease.ref.(string)
	removed, err := r.rdb.ZRem(ctx, r.key(lease.Queue, "inflight"), member).Result()
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", lease.JobID, err)
	}
	if removed == 0 {
		return ErrLeaseExpired
	}
	return nil
}

func (r *Redis) Nack(ctx context.Context, lease *Lease, delay time.Duration) error {
	member, _ := lease.ref.(string)
	env, err := decodeEnvelope(member)
	if err != nil {
		return err
	}

	now := r.now()
	target, score := "ready", float64(rank(now, env.Priority, r.opts.Aging))
	if delay > 0 {
		target, score = "delayed", float64(now.Add(delay).UnixMilli())
	}

	moved, err := r.move(ctx, lease.Queue, "inflight", target, member, env, score)
	if err != nil {
		return fmt.Errorf("failed to nack job %s: %w", lease.JobID, err)
	}
	if !moved {
		return ErrLeaseExpired
	}
	return nil
}

// Close stops blocked Dequeue calls; the Redis connection belongs to the caller
func (r *Redis) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}

// promote moves due delayed members and expired in-flight members back to ready
func (r *Redis) promote(ctx context.Context, queue string, now time.Time) error {
	upper := strconv.FormatInt(now.UnixMilli(), 10)

	for _, from := range []string{"delayed", "inflight"} {
		due, err := r.rdb.ZRangeByScoreWithScores(ctx, r.key(queue, from), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   upper,
			Count: 100,
		}).Result()
		if err != nil {
			return fmt.Errorf("failed to scan %s set of %s: %w", from, queue, err)
		}

		for _, z := range due {
			member, _ := z.Member.(string)
			env, err := decodeEnvelope(member)
			if err != nil {
				return err
			}

			readyAt := now
			if from == "delayed" {
				readyAt = time.UnixMilli(int64(z.Score))
			} else {
				r.logger.Warn("Visibility timeout expired, redelivering job",
					slog.String("job_id", env.JobID),
					slog.String("queue", queue),
				)
			}

			score := float64(rank(readyAt, env.Priority, r.opts.Aging))
			if _, err := r.move(ctx, queue, from, "ready", member, env, score); err != nil {
				return fmt.Errorf("failed to promote job %s: %w", env.JobID, err)
			}
		}
	}

	return nil
}

func (r *Redis) move(ctx context.Context, queue, from, to, member string, env envelope, score float64) (bool, error) {
	env.Redelivered = true
	next, err := encodeEnvelope(env)
	if err != nil {
		return false, err
	}

	moved, err := moveScript.Run(ctx, r.rdb,
		[]string{r.key(queue, from), r.key(queue, to)},
		member, score, next,
	).Int()
	if err != nil {
		return false, err
	}
	return moved == 1, nil
}

func (r *Redis) key(queue, set string) string {
	return r.prefix + ":" + queue + ":" + set
}

func encodeEnvelope(env envelope) (string, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	return string(b), nil
}

func decodeEnvelope(member string) (envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(member), &env); err != nil {
		return envelope{}, fmt.Errorf("failed to decode message: %w", err)
	}
	return env, nil
}
