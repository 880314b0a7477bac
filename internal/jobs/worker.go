package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Handler processes one job. Returning nil completes the job; a Terminal
// error dead-letters it immediately; any other error retries with
// the job's configured backoff until MaxAttempts.
type Handler func(ctx context.Context, job *Job) error

// WorkerOptions tune one worker.
type WorkerOptions struct {
	Concurrency  int
	PollInterval time.Duration
	StallTimeout time.Duration
	MaxStalls    int
	// Limiter caps the claim rate across all of this worker's goroutines.
	Limiter *rate.Limiter
}

func (o *WorkerOptions) withDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = 30 * time.Second
	}
	if o.MaxStalls <= 0 {
		o.MaxStalls = 3
	}
}

// claimScript atomically moves the lowest-scored ready job to the active set
// with its stall deadline.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then return false end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[2], ARGV[1], ids[1])
return ids[1]
`)

// Worker consumes one queue, dispatching by job name.
type Worker struct {
	client   *Client
	queue    string
	opts     WorkerOptions
	logger   *slog.Logger
	handlers map[string]Handler
}

// NewWorker creates a worker for one queue.
func NewWorker(client *Client, queue string, opts WorkerOptions, logger *slog.Logger) *Worker {
	opts.withDefaults()
	return &Worker{
		client:   client,
		queue:    queue,
		opts:     opts,
		logger:   logger.With("component", "jobs", "queue", queue),
		handlers: map[string]Handler{},
	}
}

// Handle registers the handler for a job name. Not safe to call after Run.
func (w *Worker) Handle(name string, h Handler) {
	w.handlers[name] = h
}

// Run processes the queue until ctx is cancelled. One goroutine per
// Concurrency claims and executes jobs; a housekeeping goroutine promotes
// due delayed jobs and reaps stalled ones.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.housekeep(ctx)
	}()

	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if w.opts.Limiter != nil {
			if err := w.opts.Limiter.Wait(ctx); err != nil {
				return
			}
		}
		id, err := w.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim failed", "error", err)
		}
		if id == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.opts.PollInterval):
			}
			continue
		}
		w.execute(ctx, id)
	}
}

// claim returns the next ready job id, or "" when the queue is empty.
func (w *Worker) claim(ctx context.Context) (string, error) {
	deadline := time.Now().Add(w.opts.StallTimeout).UnixMilli()
	res, err := claimScript.Run(ctx, w.client.rdb,
		[]string{readyKey(w.queue), activeKey(w.queue)}, deadline).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, _ := res.(string)
	return id, nil
}

func (w *Worker) execute(ctx context.Context, id string) {
	job, err := w.client.Load(ctx, id)
	if err != nil {
		// Record expired or corrupt; nothing to run.
		w.logger.Warn("dropping unloadable job", "job_id", id, "error", err)
		w.client.rdb.ZRem(ctx, activeKey(w.queue), id)
		return
	}

	job.AttemptsMade++
	if err := w.client.save(ctx, job); err != nil {
		w.logger.Error("persist attempt count", "job_id", id, "error", err)
	}

	start := time.Now()
	err = w.runHandler(ctx, job)
	elapsed := time.Since(start)

	w.client.rdb.ZRem(ctx, activeKey(w.queue), id)

	switch {
	case err == nil:
		observeJob(w.queue, job.Name, "completed", elapsed)
		w.complete(ctx, job)
	case IsTerminal(err) || job.FinalAttempt():
		observeJob(w.queue, job.Name, "dead", elapsed)
		w.logger.Error("job failed terminally",
			"job_id", id, "name", job.Name, "attempt", job.AttemptsMade, "error", err)
		w.bury(ctx, job, err)
	default:
		observeJob(w.queue, job.Name, "retried", elapsed)
		w.logger.Warn("job failed, retrying",
			"job_id", id, "name", job.Name, "attempt", job.AttemptsMade, "error", err)
		w.retry(ctx, job, err)
	}
}

func (w *Worker) runHandler(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	h, ok := w.handlers[job.Name]
	if !ok {
		return Terminal(fmt.Errorf("no handler for %q", job.Name))
	}
	return h(ctx, job)
}

func (w *Worker) complete(ctx context.Context, job *Job) {
	w.client.rdb.Del(ctx, dedupeKey(w.queue, job.ID))
	if job.RemoveOnDone {
		w.client.rdb.Del(ctx, jobKey(job.ID))
	}
}

func (w *Worker) retry(ctx context.Context, job *Job, cause error) {
	job.LastError = cause.Error()
	if err := w.client.save(ctx, job); err != nil {
		w.logger.Error("persist retry state", "job_id", job.ID, "error", err)
	}
	// Exponential: backoff * 2^(attempt-1). Fixed: the base delay.
	delay := time.Duration(job.BackoffMS) * time.Millisecond
	if job.BackoffKind != BackoffFixed {
		delay <<= job.AttemptsMade - 1
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := w.client.rdb.ZAdd(ctx, delayedKey(w.queue),
		redis.Z{Score: readyAt, Member: job.ID}).Err(); err != nil {
		w.logger.Error("requeue delayed", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) bury(ctx context.Context, job *Job, cause error) {
	job.LastError = cause.Error()
	if err := w.client.save(ctx, job); err != nil {
		w.logger.Error("persist dead job", "job_id", job.ID, "error", err)
	}
	w.client.rdb.Del(ctx, dedupeKey(w.queue, job.ID))
	if err := w.client.rdb.LPush(ctx, deadKey(w.queue), job.ID).Err(); err != nil {
		w.logger.Error("dead-letter push", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) housekeep(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			w.promoteDelayed(ctx)
			w.reapStalled(ctx)
		}
	}
}

// promoteDelayed moves due delayed jobs onto the ready set.
func (w *Worker) promoteDelayed(ctx context.Context) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	ids, err := w.client.rdb.ZRangeByScore(ctx, delayedKey(w.queue),
		&redis.ZRangeBy{Min: "-inf", Max: now, Count: 100}).Result()
	if err != nil {
		w.logger.Error("scan delayed", "error", err)
		return
	}
	for _, id := range ids {
		removed, err := w.client.rdb.ZRem(ctx, delayedKey(w.queue), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		job, err := w.client.Load(ctx, id)
		if err != nil {
			w.logger.Warn("dropping expired delayed job", "job_id", id)
			continue
		}
		if err := w.client.rdb.ZAdd(ctx, readyKey(w.queue),
			redis.Z{Score: score(job.Priority, job.Seq), Member: id}).Err(); err != nil {
			w.logger.Error("promote delayed", "job_id", id, "error", err)
		}
	}
}

// reapStalled recovers jobs whose worker missed the stall deadline. A job
// stalled more than MaxStalls times is dead-lettered.
func (w *Worker) reapStalled(ctx context.Context) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	ids, err := w.client.rdb.ZRangeByScore(ctx, activeKey(w.queue),
		&redis.ZRangeBy{Min: "-inf", Max: now, Count: 100}).Result()
	if err != nil {
		w.logger.Error("scan stalled", "error", err)
		return
	}
	for _, id := range ids {
		removed, err := w.client.rdb.ZRem(ctx, activeKey(w.queue), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		job, err := w.client.Load(ctx, id)
		if err != nil {
			continue
		}
		job.Stalls++
		if job.Stalls > w.opts.MaxStalls {
			w.logger.Error("job stalled too many times", "job_id", id, "stalls", job.Stalls)
			w.bury(ctx, job, fmt.Errorf("stalled %d times", job.Stalls))
			continue
		}
		if err := w.client.save(ctx, job); err != nil {
			w.logger.Error("persist stall count", "job_id", id, "error", err)
		}
		w.logger.Warn("requeueing stalled job", "job_id", id, "stalls", job.Stalls)
		if err := w.client.rdb.ZAdd(ctx, readyKey(w.queue),
			redis.Z{Score: score(job.Priority, job.Seq), Member: id}).Err(); err != nil {
			w.logger.Error("requeue stalled", "job_id", id, "error", err)
		}
	}
}
