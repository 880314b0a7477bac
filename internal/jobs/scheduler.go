package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler submits recurring jobs on cron schedules. Each tick derives a
// job id from the entry id and the tick time, so overlapping processes
// submit the same job and the dedupe guard keeps concurrency at one.
type Scheduler struct {
	cron   *cron.Cron
	client *Client
	logger *slog.Logger
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(client *Client, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		client: client,
		logger: logger.With("component", "scheduler"),
	}
}

// Every schedules a job at a fixed interval.
func (s *Scheduler) Every(interval time.Duration, id, queue, name string, payload any, opts Options) {
	s.cron.Schedule(cron.Every(interval), s.tick(id, queue, name, payload, opts))
}

// Cron schedules a job on a standard cron expression.
func (s *Scheduler) Cron(spec, id, queue, name string, payload any, opts Options) error {
	_, err := s.cron.AddJob(spec, s.tick(id, queue, name, payload, opts))
	if err != nil {
		return fmt.Errorf("schedule %s: %w", id, err)
	}
	return nil
}

func (s *Scheduler) tick(id, queue, name string, payload any, opts Options) cron.Job {
	return cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		o := opts
		o.JobID = fmt.Sprintf("%s@%d", id, time.Now().Unix())
		if _, err := s.client.Submit(ctx, queue, name, payload, o); err != nil {
			s.logger.Error("scheduled submit failed", "id", id, "error", err)
		}
	})
}

// Start begins firing schedules.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for in-flight submissions.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
