// Package jobs is the async job fabric: Redis-backed queues with priorities,
// delayed delivery, retry with exponential or fixed backoff, stall detection
// and a dead-letter list. Every background operation (matching, deployment,
// settlement, swaps, reconciliation) flows through it.
//
// Key layout per queue q:
//
//	q:{q}:seq        INCR counter, breaks priority ties in submission order
//	q:{q}:ready      ZSET of runnable job ids, score = priority*1e12 + seq
//	q:{q}:delayed    ZSET of delayed job ids, score = ready-at unix millis
//	q:{q}:active     ZSET of claimed job ids, score = stall deadline millis
//	q:{q}:dead       LIST of terminally failed job ids
//	q:{q}:ids:{id}   dedupe guard, present while the job is in flight
//	job:{id}         JSON job record
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Priorities. Lower runs first.
const (
	PriorityUrgent  int64 = 0
	PriorityDefault int64 = 1
	PriorityLow     int64 = 2
)

const (
	defaultAttempts = 3
	defaultBackoff  = 2 * time.Second

	// prioritySpan leaves room for ~31 years of millisecond sequence
	// numbers inside one priority band.
	prioritySpan = int64(1e12)

	jobTTL = 24 * time.Hour
)

// Job is one unit of background work. Handlers receive the live record and
// may inspect AttemptsMade against MaxAttempts to run final-attempt
// compensation.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int64           `json:"priority"`
	Seq          int64           `json:"seq"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	BackoffMS    int64           `json:"backoffMs"`
	BackoffKind  BackoffKind     `json:"backoffKind,omitempty"`
	Stalls       int             `json:"stalls"`
	LastError    string          `json:"lastError,omitempty"`
	RemoveOnDone bool            `json:"removeOnDone"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// FinalAttempt reports whether this execution is the job's last.
func (j *Job) FinalAttempt() bool {
	return j.AttemptsMade >= j.MaxAttempts
}

// Bind unmarshals the payload into dst.
func (j *Job) Bind(dst any) error {
	if err := json.Unmarshal(j.Payload, dst); err != nil {
		return fmt.Errorf("job %s payload: %w", j.ID, err)
	}
	return nil
}

// BackoffKind selects how the retry delay grows between attempts.
type BackoffKind string

const (
	// BackoffExponential doubles the base delay on every failed attempt.
	BackoffExponential BackoffKind = "exponential"
	// BackoffFixed waits the base delay between every attempt.
	BackoffFixed BackoffKind = "fixed"
)

// Options tune one submission. The zero value is a default-priority job with
// three attempts and 2s exponential backoff.
type Options struct {
	// JobID dedupes: a second Submit with the same id while the first is
	// still in flight returns the existing id without enqueueing.
	JobID       string
	Priority    int64
	Delay       time.Duration
	Attempts    int
	Backoff     time.Duration
	BackoffKind BackoffKind
	// RemoveOnDone drops the job record after terminal success instead of
	// keeping it until the record TTL.
	RemoveOnDone bool
}

// Terminal wraps err so the worker fails the job immediately with no
// further retries.
func Terminal(err error) error {
	return terminalError{err}
}

type terminalError struct{ err error }

func (e terminalError) Error() string { return "terminal: " + e.err.Error() }
func (e terminalError) Unwrap() error { return e.err }

// IsTerminal reports whether err carries the no-retry marker.
func IsTerminal(err error) bool {
	var t terminalError
	return errors.As(err, &t)
}

// Client submits jobs. It is safe for concurrent use.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a job client over the shared Redis connection.
func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func readyKey(q string) string   { return "q:" + q + ":ready" }
func delayedKey(q string) string { return "q:" + q + ":delayed" }
func activeKey(q string) string  { return "q:" + q + ":active" }
func deadKey(q string) string    { return "q:" + q + ":dead" }
func seqKey(q string) string     { return "q:" + q + ":seq" }
func dedupeKey(q, id string) string { return "q:" + q + ":ids:" + id }
func jobKey(id string) string    { return "job:" + id }

func score(priority, seq int64) float64 {
	return float64(priority*prioritySpan + seq)
}

// Submit enqueues a named job and returns its id. With Options.JobID set the
// call is idempotent while a job with that id is in flight.
func (c *Client) Submit(ctx context.Context, queue, name string, payload any, opts Options) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	} else {
		ok, err := c.rdb.SetNX(ctx, dedupeKey(queue, id), 1, jobTTL).Result()
		if err != nil {
			return "", fmt.Errorf("dedupe %s: %w", id, err)
		}
		if !ok {
			return id, nil
		}
	}

	seq, err := c.rdb.Incr(ctx, seqKey(queue)).Result()
	if err != nil {
		return "", fmt.Errorf("job seq: %w", err)
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	backoffKind := opts.BackoffKind
	if backoffKind == "" {
		backoffKind = BackoffExponential
	}
	job := &Job{
		ID:           id,
		Queue:        queue,
		Name:         name,
		Payload:      raw,
		Priority:     opts.Priority,
		Seq:          seq,
		MaxAttempts:  attempts,
		BackoffMS:    backoff.Milliseconds(),
		BackoffKind:  backoffKind,
		RemoveOnDone: opts.RemoveOnDone,
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.save(ctx, job); err != nil {
		return "", err
	}

	if opts.Delay > 0 {
		readyAt := float64(time.Now().Add(opts.Delay).UnixMilli())
		if err := c.rdb.ZAdd(ctx, delayedKey(queue), redis.Z{Score: readyAt, Member: id}).Err(); err != nil {
			return "", fmt.Errorf("enqueue delayed: %w", err)
		}
		return id, nil
	}
	if err := c.rdb.ZAdd(ctx, readyKey(queue), redis.Z{Score: score(job.Priority, seq), Member: id}).Err(); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// Load reads one job record.
func (c *Client) Load(ctx context.Context, id string) (*Job, error) {
	raw, err := c.rdb.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// Dead returns up to limit dead-lettered job ids, most recent first.
func (c *Client) Dead(ctx context.Context, queue string, limit int64) ([]string, error) {
	return c.rdb.LRange(ctx, deadKey(queue), 0, limit-1).Result()
}

// Depth returns the ready + delayed backlog for a queue.
func (c *Client) Depth(ctx context.Context, queue string) (int64, error) {
	ready, err := c.rdb.ZCard(ctx, readyKey(queue)).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := c.rdb.ZCard(ctx, delayedKey(queue)).Result()
	if err != nil {
		return 0, err
	}
	return ready + delayed, nil
}

func (c *Client) save(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := c.rdb.Set(ctx, jobKey(job.ID), raw, jobTTL).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}
