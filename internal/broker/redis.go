package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/spinelabs/spine/internal/errkind"
)

const (
	queueKey         = "spine:queue"
	taskKeyPrefix    = "spine:task:"
	groupKeyPrefix   = "spine:group:"
	revokedKeyPrefix = "spine:revoked:"
	workersKey       = "spine:workers"

	defaultResultTTL = 24 * time.Hour
)

type RedisConfig struct {
	Logger *slog.Logger

	// BrokerURL carries the queue; BackendURL the result backend. They are
	// usually the same Redis, in which case one client serves both.
	BrokerURL  string
	BackendURL string

	// ResultTTL caps how long task and group records live regardless of
	// cleanup runs.
	ResultTTL time.Duration
}

func (c *RedisConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.BrokerURL == "" {
		return errors.New("broker URL is required")
	}
	if c.BackendURL == "" {
		c.BackendURL = c.BrokerURL
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = defaultResultTTL
	}
	return nil
}

// Redis implements Broker over one or two Redis instances.
type Redis struct {
	cfg     *RedisConfig
	log     *slog.Logger
	queue   *redis.Client
	backend *redis.Client
}

func NewRedis(cfg *RedisConfig) (*Redis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	queueOpts, err := redis.ParseURL(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker URL: %w", err)
	}
	r := &Redis{cfg: cfg, log: cfg.Logger, queue: redis.NewClient(queueOpts)}

	if cfg.BackendURL == cfg.BrokerURL {
		r.backend = r.queue
	} else {
		backendOpts, err := redis.ParseURL(cfg.BackendURL)
		if err != nil {
			return nil, fmt.Errorf("invalid result backend URL: %w", err)
		}
		r.backend = redis.NewClient(backendOpts)
	}
	return r, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.queue.Ping(ctx).Err(); err != nil {
		return errkind.Wrap(errkind.BrokerUnavailable, err)
	}
	if r.backend != r.queue {
		if err := r.backend.Ping(ctx).Err(); err != nil {
			return errkind.Wrap(errkind.BrokerUnavailable, err)
		}
	}
	return nil
}

func (r *Redis) Close() error {
	err := r.queue.Close()
	if r.backend != r.queue {
		if berr := r.backend.Close(); err == nil {
			err = berr
		}
	}
	return err
}

func (r *Redis) Enqueue(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := r.queue.LPush(ctx, queueKey, payload).Err(); err != nil {
		return errkind.Wrap(errkind.BrokerUnavailable, fmt.Errorf("enqueue: %w", err))
	}
	return nil
}

func (r *Redis) Dequeue(ctx context.Context, timeout time.Duration) (*Message, error) {
	vals, err := r.queue.BRPop(ctx, timeout, queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errkind.Wrap(errkind.BrokerUnavailable, fmt.Errorf("dequeue: %w", err))
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of %d values", len(vals))
	}
	var msg Message
	if err := json.Unmarshal([]byte(vals[1]), &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

func (r *Redis) Depth(ctx context.Context) (int64, error) {
	n, err := r.queue.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, errkind.Wrap(errkind.BrokerUnavailable, err)
	}
	return n, nil
}

func (r *Redis) PutTask(ctx context.Context, rec *TaskRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode task record: %w", err)
	}
	if err := r.backend.Set(ctx, taskKeyPrefix+rec.ID, payload, r.cfg.ResultTTL).Err(); err != nil {
		return errkind.Wrap(errkind.BrokerUnavailable, err)
	}
	return nil
}

func (r *Redis) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	payload, err := r.backend.Get(ctx, taskKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.BrokerUnavailable, err)
	}
	var rec TaskRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode task record %s: %w", id, err)
	}
	return &rec, nil
}

func (r *Redis) PutGroup(ctx context.Context, g *GroupRecord) error {
	payload, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode group record: %w", err)
	}
	if err := r.backend.Set(ctx, groupKeyPrefix+g.ID, payload, r.cfg.ResultTTL).Err(); err != nil {
		return errkind.Wrap(errkind.BrokerUnavailable, err)
	}
	return nil
}

func (r *Redis) GetGroup(ctx context.Context, id string) (*GroupRecord, error) {
	payload, err := r.backend.Get(ctx, groupKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.BrokerUnavailable, err)
	}
	var g GroupRecord
	if err := json.Unmarshal(payload, &g); err != nil {
		return nil, fmt.Errorf("failed to decode group record %s: %w", id, err)
	}
	return &g, nil
}

func (r *Redis) Revoke(ctx context.Context, taskID string) error {
	if err := r.backend.Set(ctx, revokedKeyPrefix+taskID, "1", r.cfg.ResultTTL).Err(); err != nil {
		return errkind.Wrap(errkind.BrokerUnavailable, err)
	}
	return nil
}

func (r *Redis) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	n, err := r.backend.Exists(ctx, revokedKeyPrefix+taskID).Result()
	if err != nil {
		return false, errkind.Wrap(errkind.BrokerUnavailable, err)
	}
	return n > 0, nil
}

func (r *Redis) Heartbeat(ctx context.Context, workerID string, at time.Time) error {
	if err := r.backend.HSet(ctx, workersKey, workerID, at.UTC().Format(time.RFC3339)).Err(); err != nil {
		return errkind.Wrap(errkind.BrokerUnavailable, err)
	}
	return nil
}

func (r *Redis) RemoveWorker(ctx context.Context, workerID string) error {
	if err := r.backend.HDel(ctx, workersKey, workerID).Err(); err != nil {
		return errkind.Wrap(errkind.BrokerUnavailable, err)
	}
	return nil
}

func (r *Redis) Workers(ctx context.Context) (map[string]time.Time, error) {
	vals, err := r.backend.HGetAll(ctx, workersKey).Result()
	if err != nil {
		return nil, errkind.Wrap(errkind.BrokerUnavailable, err)
	}
	workers := make(map[string]time.Time, len(vals))
	for id, raw := range vals {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			r.log.Warn("dropping unparseable worker heartbeat", "worker", id, "value", raw)
			continue
		}
		workers[id] = at
	}
	return workers, nil
}

// PruneResults scans task and group records and deletes the ones last
// touched before cutoff. Redis TTLs already bound record lifetime; this
// lets the cleanup task enforce a tighter retention.
func (r *Redis) PruneResults(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	for _, prefix := range []string{taskKeyPrefix, groupKeyPrefix} {
		n, err := r.pruneKeys(ctx, prefix, cutoff)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

func (r *Redis) pruneKeys(ctx context.Context, prefix string, cutoff time.Time) (int64, error) {
	var removed int64
	iter := r.backend.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		payload, err := r.backend.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return removed, errkind.Wrap(errkind.BrokerUnavailable, err)
		}

		var stamp struct {
			UpdatedAt time.Time `json:"updated_at"`
			CreatedAt time.Time `json:"created_at"`
		}
		if err := json.Unmarshal(payload, &stamp); err != nil {
			continue
		}
		last := stamp.UpdatedAt
		if last.IsZero() {
			last = stamp.CreatedAt
		}
		if last.IsZero() || !last.Before(cutoff) {
			continue
		}
		if err := r.backend.Del(ctx, key).Err(); err != nil {
			return removed, errkind.Wrap(errkind.BrokerUnavailable, err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, errkind.Wrap(errkind.BrokerUnavailable, err)
	}
	return removed, nil
}
