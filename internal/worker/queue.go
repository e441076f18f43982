package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task is one unit of dispatch work: a job that is READY for a worker.
type Task struct {
	JobID string `json:"job_id"`
}

// Queue is the Redis-backed broker workers pull from, named the way
// spec §6 calls out "Redis URL (for worker broker)".
type Queue struct {
	client *redis.Client
	key    string
}

func NewQueue(addr, key string) *Queue {
	if key == "" {
		key = "rule-engine:jobs:ready"
	}
	return &Queue{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		key:    key,
	}
}

// Enqueue pushes a task for the next available worker.
func (q *Queue) Enqueue(ctx context.Context, t Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, raw).Err()
}

// Dequeue blocks up to timeout waiting for a task.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("worker queue: unexpected BRPOP result shape")
	}
	var t Task
	if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}
