package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testSetup(t *testing.T) (*Client, *Worker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	client := NewClient(rdb)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	worker := NewWorker(client, "test", WorkerOptions{}, logger)
	return client, worker
}

func TestSubmitPriorityOrder(t *testing.T) {
	t.Parallel()
	client, worker := testSetup(t)
	ctx := context.Background()

	lowID, err := client.Submit(ctx, "test", "noop", nil, Options{Priority: PriorityLow})
	if err != nil {
		t.Fatalf("submit low: %v", err)
	}
	urgentID, err := client.Submit(ctx, "test", "noop", nil, Options{Priority: PriorityUrgent})
	if err != nil {
		t.Fatalf("submit urgent: %v", err)
	}

	got, err := worker.claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got != urgentID {
		t.Fatalf("claimed %s, want urgent %s first", got, urgentID)
	}
	got, err = worker.claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got != lowID {
		t.Fatalf("claimed %s, want low %s second", got, lowID)
	}
	got, err = worker.claim(ctx)
	if err != nil || got != "" {
		t.Fatalf("claim on empty queue: got %q, err %v", got, err)
	}
}

func TestDedupeWhileInFlight(t *testing.T) {
	t.Parallel()
	client, worker := testSetup(t)
	ctx := context.Background()

	first, err := client.Submit(ctx, "test", "noop", nil, Options{JobID: "match-abc"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := client.Submit(ctx, "test", "noop", nil, Options{JobID: "match-abc"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first != second {
		t.Fatalf("dedupe returned %s, want %s", second, first)
	}
	if depth, _ := client.Depth(ctx, "test"); depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}

	worker.Handle("noop", func(ctx context.Context, job *Job) error { return nil })
	id, _ := worker.claim(ctx)
	worker.execute(ctx, id)

	// Completion released the guard, so the id is usable again.
	third, err := client.Submit(ctx, "test", "noop", nil, Options{JobID: "match-abc"})
	if err != nil {
		t.Fatalf("submit after completion: %v", err)
	}
	if depth, _ := client.Depth(ctx, "test"); depth != 1 {
		t.Fatalf("depth after resubmit = %d, want 1", depth)
	}
	if third != first {
		t.Fatalf("job id changed across completion: %s vs %s", third, first)
	}
}

func TestTerminalErrorDeadLetters(t *testing.T) {
	t.Parallel()
	client, worker := testSetup(t)
	ctx := context.Background()

	id, err := client.Submit(ctx, "test", "boom", nil, Options{Attempts: 5})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	worker.Handle("boom", func(ctx context.Context, job *Job) error {
		return Terminal(errors.New("bad payload"))
	})

	claimed, _ := worker.claim(ctx)
	worker.execute(ctx, claimed)

	dead, err := client.Dead(ctx, "test", 10)
	if err != nil {
		t.Fatalf("dead: %v", err)
	}
	if len(dead) != 1 || dead[0] != id {
		t.Fatalf("dead = %v, want [%s]", dead, id)
	}
	job, err := client.Load(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if job.AttemptsMade != 1 {
		t.Fatalf("attempts = %d, want 1 (no retries for terminal)", job.AttemptsMade)
	}
	if job.LastError == "" {
		t.Fatal("expected last error recorded")
	}
}

func TestRetryWithBackoffThenSuccess(t *testing.T) {
	t.Parallel()
	client, worker := testSetup(t)
	ctx := context.Background()

	id, err := client.Submit(ctx, "test", "flaky", nil,
		Options{Attempts: 3, Backoff: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	calls := 0
	worker.Handle("flaky", func(ctx context.Context, job *Job) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})

	claimed, _ := worker.claim(ctx)
	worker.execute(ctx, claimed)

	// First failure parked the job in the delayed set.
	if got, _ := worker.claim(ctx); got != "" {
		t.Fatalf("claimed %q before backoff elapsed", got)
	}

	time.Sleep(30 * time.Millisecond)
	worker.promoteDelayed(ctx)

	claimed, _ = worker.claim(ctx)
	if claimed != id {
		t.Fatalf("claim after promote = %q, want %s", claimed, id)
	}
	worker.execute(ctx, claimed)
	if calls != 2 {
		t.Fatalf("handler ran %d times, want 2", calls)
	}
	if dead, _ := client.Dead(ctx, "test", 10); len(dead) != 0 {
		t.Fatalf("unexpected dead letters: %v", dead)
	}
}

func TestFixedBackoffKeepsConstantDelay(t *testing.T) {
	t.Parallel()
	client, worker := testSetup(t)
	ctx := context.Background()

	id, err := client.Submit(ctx, "test", "flaky", nil,
		Options{Attempts: 4, Backoff: 500 * time.Millisecond, BackoffKind: BackoffFixed})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	worker.Handle("flaky", func(context.Context, *Job) error {
		return errors.New("transient")
	})

	delayAfter := func(attempt int) time.Duration {
		t.Helper()
		worker.execute(ctx, id)
		score, err := client.rdb.ZScore(ctx, delayedKey("test"), id).Result()
		if err != nil {
			t.Fatalf("delayed score after attempt %d: %v", attempt, err)
		}
		return time.Duration(int64(score)-time.Now().UnixMilli()) * time.Millisecond
	}

	// Every failed attempt parks the job roughly one base delay out; an
	// exponential schedule would double the second one.
	for attempt := 1; attempt <= 2; attempt++ {
		if d := delayAfter(attempt); d < 300*time.Millisecond || d > 700*time.Millisecond {
			t.Fatalf("attempt %d delay = %v, want the 500ms base", attempt, d)
		}
	}
}

func TestAttemptsExhausted(t *testing.T) {
	t.Parallel()
	client, worker := testSetup(t)
	ctx := context.Background()

	id, err := client.Submit(ctx, "test", "fail", nil, Options{Attempts: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var sawFinal bool
	worker.Handle("fail", func(ctx context.Context, job *Job) error {
		sawFinal = job.FinalAttempt()
		return errors.New("still broken")
	})

	claimed, _ := worker.claim(ctx)
	worker.execute(ctx, claimed)

	if !sawFinal {
		t.Fatal("handler did not observe the final attempt")
	}
	dead, _ := client.Dead(ctx, "test", 10)
	if len(dead) != 1 || dead[0] != id {
		t.Fatalf("dead = %v, want [%s]", dead, id)
	}
}

func TestStalledJobRequeued(t *testing.T) {
	t.Parallel()
	client, worker := testSetup(t)
	ctx := context.Background()

	id, err := client.Submit(ctx, "test", "noop", nil, Options{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, _ := worker.claim(ctx)
	if claimed != id {
		t.Fatalf("claimed %q, want %s", claimed, id)
	}

	// Backdate the stall deadline to simulate a crashed worker.
	client.rdb.ZAdd(ctx, activeKey("test"),
		redis.Z{Score: float64(time.Now().Add(-time.Minute).UnixMilli()), Member: id})

	worker.reapStalled(ctx)

	got, _ := worker.claim(ctx)
	if got != id {
		t.Fatalf("reclaim = %q, want %s", got, id)
	}
	job, err := client.Load(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if job.Stalls != 1 {
		t.Fatalf("stalls = %d, want 1", job.Stalls)
	}
}

func TestUnknownHandlerDeadLetters(t *testing.T) {
	t.Parallel()
	client, worker := testSetup(t)
	ctx := context.Background()

	id, err := client.Submit(ctx, "test", "nobody-home", nil, Options{Attempts: 5})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, _ := worker.claim(ctx)
	worker.execute(ctx, claimed)

	dead, _ := client.Dead(ctx, "test", 10)
	if len(dead) != 1 || dead[0] != id {
		t.Fatalf("dead = %v, want [%s]", dead, id)
	}
}

func TestDelayedSubmitNotImmediatelyReady(t *testing.T) {
	t.Parallel()
	client, worker := testSetup(t)
	ctx := context.Background()

	id, err := client.Submit(ctx, "test", "noop", nil, Options{Delay: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got, _ := worker.claim(ctx); got != "" {
		t.Fatalf("delayed job claimed immediately: %q", got)
	}

	time.Sleep(30 * time.Millisecond)
	worker.promoteDelayed(ctx)

	if got, _ := worker.claim(ctx); got != id {
		t.Fatalf("claim after delay = %q, want %s", got, id)
	}
}

func TestBindPayload(t *testing.T) {
	t.Parallel()
	client, worker := testSetup(t)
	ctx := context.Background()

	type payload struct {
		OrderID string `json:"orderId"`
	}
	_, err := client.Submit(ctx, "test", "typed", payload{OrderID: "o-1"}, Options{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	var got payload
	worker.Handle("typed", func(ctx context.Context, job *Job) error {
		return job.Bind(&got)
	})
	claimed, _ := worker.claim(ctx)
	worker.execute(ctx, claimed)

	if got.OrderID != "o-1" {
		t.Fatalf("payload = %+v", got)
	}
}
