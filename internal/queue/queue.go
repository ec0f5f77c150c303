// Package queue provides the durable background work queue for side-effect
// jobs: a Redis pending list, a delayed zset for retry backoff, and a
// dead-letter list surfaced for manual inspection. Delivery is at-least-once
// with no ordering guarantees; every handler must converge regardless of
// processing order. The queue holds no authoritative state - it can be
// rebuilt from the store by the reconciliation scan.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Action kinds carried by a side-effect job.
const (
	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionArchive = "archive"
)

// Job is the payload enqueued after a revision commits. Handlers re-read
// current state keyed by StaticID rather than trusting this snapshot.
type Job struct {
	ID         string    `json:"id"`
	ObjectID   string    `json:"objectId"`
	StaticID   string    `json:"staticId"`
	Action     string    `json:"action"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

type Client struct {
	client      *redis.Client
	name        string
	maxRetries  int
	baseBackoff time.Duration
}

// New connects to Redis and returns a queue client.
func New(redisURL, name string, maxRetries int, baseBackoff time.Duration) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, name, maxRetries, baseBackoff), nil
}

// NewWithClient builds a queue client from an existing Redis client.
func NewWithClient(client *redis.Client, name string, maxRetries int, baseBackoff time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseBackoff <= 0 {
		baseBackoff = 5 * time.Second
	}
	return &Client{
		client:      client,
		name:        name,
		maxRetries:  maxRetries,
		baseBackoff: baseBackoff,
	}
}

func (c *Client) pendingKey() string { return c.name + ":pending" }
func (c *Client) delayedKey() string { return c.name + ":delayed" }
func (c *Client) deadKey() string    { return c.name + ":dead" }

// Enqueue pushes a job onto the pending list and returns its id.
func (c *Client) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := c.client.LPush(ctx, c.pendingKey(), data).Err(); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return job.ID, nil
}

// Dequeue promotes due delayed jobs and pops the next pending one, blocking
// up to the given duration. Returns nil when nothing is available.
func (c *Client) Dequeue(ctx context.Context, block time.Duration) (*Job, error) {
	if err := c.promoteDue(ctx); err != nil {
		return nil, err
	}

	values, err := c.client.BRPop(ctx, block, c.pendingKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop job: %w", err)
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("pop job: unexpected reply length %d", len(values))
	}

	var job Job
	if err := json.Unmarshal([]byte(values[1]), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// promoteDue moves delayed jobs whose backoff elapsed back onto the pending
// list. ZRem arbitrates between concurrent workers: only the one that
// removes the member re-enqueues it.
func (c *Client) promoteDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := c.client.ZRangeByScore(ctx, c.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed jobs: %w", err)
	}

	for _, member := range members {
		removed, err := c.client.ZRem(ctx, c.delayedKey(), member).Result()
		if err != nil {
			return fmt.Errorf("claim delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := c.client.LPush(ctx, c.pendingKey(), member).Err(); err != nil {
			return fmt.Errorf("promote delayed job: %w", err)
		}
	}
	return nil
}

// Retry schedules a failed job for another attempt with exponential backoff,
// or moves it to the dead-letter list once retries are exhausted. Returns
// true when the job went to the dead-letter list.
func (c *Client) Retry(ctx context.Context, job Job) (bool, error) {
	job.Attempt++
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal retry job: %w", err)
	}

	if job.Attempt > c.maxRetries {
		if err := c.client.LPush(ctx, c.deadKey(), data).Err(); err != nil {
			return false, fmt.Errorf("dead-letter job: %w", err)
		}
		return true, nil
	}

	backoff := c.baseBackoff << (job.Attempt - 1)
	due := float64(time.Now().Add(backoff).UnixMilli())
	if err := c.client.ZAdd(ctx, c.delayedKey(), redis.Z{Score: due, Member: data}).Err(); err != nil {
		return false, fmt.Errorf("schedule retry: %w", err)
	}
	return false, nil
}

// DeadLetters returns jobs that exhausted their retries, newest first.
func (c *Client) DeadLetters(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	values, err := c.client.LRange(ctx, c.deadKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	jobs := make([]Job, 0, len(values))
	for _, value := range values {
		var job Job
		if err := json.Unmarshal([]byte(value), &job); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Depths reports pending, delayed and dead-letter sizes for inspection.
func (c *Client) Depths(ctx context.Context) (pending, delayed, dead int64, err error) {
	if pending, err = c.client.LLen(ctx, c.pendingKey()).Result(); err != nil {
		err = fmt.Errorf("pending depth: %w", err)
		return
	}
	if delayed, err = c.client.ZCard(ctx, c.delayedKey()).Result(); err != nil {
		err = fmt.Errorf("delayed depth: %w", err)
		return
	}
	if dead, err = c.client.LLen(ctx, c.deadKey()).Result(); err != nil {
		err = fmt.Errorf("dead depth: %w", err)
		return
	}
	return
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.client.Close()
}
