package state

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisWorkerPrefix  = "mesh:worker:"
	redisJobPrefix     = "mesh:job:"
	redisDisputePrefix = "mesh:dispute:"
)

type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// RedisStore keeps each entity as a JSON value under a typed key prefix.
// Single-key SET/GET gives the per-entity atomicity the core requires; list
// queries scan the prefix and filter client-side.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) LoadWorker(ctx context.Context, id string) (WorkerRecord, bool, error) {
	var rec WorkerRecord
	ok, err := r.load(ctx, redisWorkerPrefix+id, &rec)
	return rec, ok, err
}

func (r *RedisStore) SaveWorker(ctx context.Context, worker WorkerRecord) error {
	stampWorker(&worker)
	return r.save(ctx, redisWorkerPrefix+worker.ID, worker)
}

func (r *RedisStore) ListWorkers(ctx context.Context) ([]WorkerRecord, error) {
	out, err := scanDocs[WorkerRecord](ctx, r, redisWorkerPrefix)
	if err != nil {
		return nil, err
	}
	sortByCreation(out, func(w WorkerRecord) (time.Time, string) { return w.CreatedAt, w.ID })
	return out, nil
}

func (r *RedisStore) LoadJob(ctx context.Context, id string) (JobRecord, bool, error) {
	var rec JobRecord
	ok, err := r.load(ctx, redisJobPrefix+id, &rec)
	return rec, ok, err
}

func (r *RedisStore) SaveJob(ctx context.Context, job JobRecord) error {
	stampJob(&job)
	return r.save(ctx, redisJobPrefix+job.ID, job)
}

func (r *RedisStore) ListJobsByStatus(ctx context.Context, statuses ...JobStatus) ([]JobRecord, error) {
	all, err := scanDocs[JobRecord](ctx, r, redisJobPrefix)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, j := range all {
		if statusMatch(j.Status, statuses) {
			out = append(out, j)
		}
	}
	sortByCreation(out, func(j JobRecord) (time.Time, string) { return j.CreatedAt, j.ID })
	return out, nil
}

func (r *RedisStore) DeleteJob(ctx context.Context, id string) error {
	return r.client.Del(ctx, redisJobPrefix+id).Err()
}

func (r *RedisStore) LoadDispute(ctx context.Context, id string) (DisputeRecord, bool, error) {
	var rec DisputeRecord
	ok, err := r.load(ctx, redisDisputePrefix+id, &rec)
	return rec, ok, err
}

func (r *RedisStore) SaveDispute(ctx context.Context, dispute DisputeRecord) error {
	stampDispute(&dispute)
	return r.save(ctx, redisDisputePrefix+dispute.ID, dispute)
}

func (r *RedisStore) ListDisputesByStatus(ctx context.Context, statuses ...DisputeStatus) ([]DisputeRecord, error) {
	all, err := scanDocs[DisputeRecord](ctx, r, redisDisputePrefix)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, d := range all {
		if statusMatch(d.Status, statuses) {
			out = append(out, d)
		}
	}
	sortByCreation(out, func(d DisputeRecord) (time.Time, string) { return d.CreatedAt, d.ID })
	return out, nil
}

func (r *RedisStore) DeleteDispute(ctx context.Context, id string) error {
	return r.client.Del(ctx, redisDisputePrefix+id).Err()
}

func (r *RedisStore) load(ctx context.Context, key string, out any) (bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, out)
}

func (r *RedisStore) save(ctx context.Context, key string, rec any) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, raw, 0).Err()
}

func scanDocs[T any](ctx context.Context, r *RedisStore, prefix string) ([]T, error) {
	out := make([]T, 0, 16)
	iter := r.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		raw, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // deleted between scan and get
		}
		if err != nil {
			return nil, err
		}
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func stampWorker(w *WorkerRecord) {
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
}

func stampJob(j *JobRecord) {
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
}

func stampDispute(d *DisputeRecord) {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
}
