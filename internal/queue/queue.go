package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KindEnrollPhoto asks the worker to detect a face in an uploaded photo and
// enroll its descriptor.
const KindEnrollPhoto = "enroll_photo"

// Job is one unit of background work.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// EnrollPhoto is the payload of a KindEnrollPhoto job.
type EnrollPhoto struct {
	IdentityID string `json:"identity_id"`
	ImageURL   string `json:"image_url"`
}

// NewJob wraps payload into a Job with a fresh ID.
func NewJob(kind string, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Job{ID: uuid.NewString(), Kind: kind, Payload: raw, EnqueuedAt: time.Now().UTC()}, nil
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s job %s: %w", j.Kind, j.ID, err)
	}
	return nil
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, job Job) error
	Consume(ctx context.Context) (<-chan Job, error)
}

// InMemory is a minimal channel-backed queue for dev/testing.
type InMemory struct {
	ch chan Job
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Job, size)}
}

// Publish enqueues a job.
func (q *InMemory) Publish(ctx context.Context, job Job) error {
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for workers. It closes when ctx is done.
func (q *InMemory) Consume(ctx context.Context) (<-chan Job, error) {
	out := make(chan Job)
	go func() {
		defer close(out)
		for {
			select {
			case job := <-q.ch:
				select {
				case out <- job:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue implements a Redis list-backed queue.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "presensi:jobs"
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues a job.
func (q *RedisQueue) Publish(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return q.client.LPush(ctx, q.key, raw).Err()
}

// Consume streams jobs using BRPOP. Undecodable entries are logged and dropped.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Job, error) {
	out := make(chan Job)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					log.Printf("queue: brpop %s: %v", q.key, err)
					time.Sleep(time.Second)
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			var job Job
			if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
				log.Printf("queue: dropping malformed job: %v", err)
				continue
			}
			select {
			case out <- job:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
