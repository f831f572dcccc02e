package serviceq

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one claimed job. A nil return means the handler has
// already transitioned the job (normally CompleteTx inside its own
// transaction); a non-nil return makes the dispatcher route the job through
// Fail, which sends it back to PENDING while retries remain.
type Handler func(ctx context.Context, job *Job) error

// DispatcherOptions configures the worker dispatch loop.
type DispatcherOptions struct {
	// MaxConcurrent caps the number of handlers running at once. Default: 10.
	MaxConcurrent int
	// PollInterval is the sleep between claim attempts when the queue is
	// empty. Default: 2s.
	PollInterval time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *DispatcherOptions) defaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Dispatcher is the long-running control loop that claims jobs and launches
// handlers with bounded concurrency.
//
// The semaphore is acquired before each claim, so claimed-but-unrun jobs can
// never accumulate and the database is not polled while fully saturated. The
// claim itself is never blocked on handler completion: handlers run on their
// own goroutines and release their slot when done.
type Dispatcher struct {
	q      *Q
	handle Handler
	opts   DispatcherOptions
	sem    chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over q calling handler for every
// claimed job.
func NewDispatcher(q *Q, handler Handler, opts DispatcherOptions) *Dispatcher {
	opts.defaults()
	return &Dispatcher{
		q:      q,
		handle: handler,
		opts:   opts,
		sem:    make(chan struct{}, opts.MaxConcurrent),
	}
}

// Run polls for jobs until ctx is cancelled. On cancellation it stops
// claiming, waits for every in-flight handler to finish, and returns.
// Handlers are not interrupted mid-flight: they receive a context detached
// from the cancellation so their final transaction can still commit.
func (d *Dispatcher) Run(ctx context.Context) {
	log := d.opts.Logger
	log.Info("dispatcher started",
		"max_concurrent", d.opts.MaxConcurrent,
		"poll_interval", d.opts.PollInterval,
	)

	// Handlers and their job-state writes outlive cancellation.
	hctx := context.WithoutCancel(ctx)

	for {
		// A free slot is required before claiming.
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			d.drain(log)
			return
		}

		job, err := d.q.Claim(ctx)
		if err != nil {
			<-d.sem
			if ctx.Err() != nil {
				d.drain(log)
				return
			}
			log.Warn("claim failed", "error", err)
			if !d.sleep(ctx) {
				d.drain(log)
				return
			}
			continue
		}
		if job == nil {
			<-d.sem
			if !d.sleep(ctx) {
				d.drain(log)
				return
			}
			continue
		}

		d.wg.Add(1)
		go func(j *Job) {
			defer d.wg.Done()
			defer func() { <-d.sem }()

			if err := d.handle(hctx, j); err != nil {
				log.Warn("job failed",
					"id", j.ID,
					"image_id", j.ImageID,
					"service_type", j.Type,
					"attempts", j.Attempts,
					"max_attempts", j.MaxAttempts,
					"error", err,
				)
				if ferr := d.q.Fail(hctx, j.ID); ferr != nil {
					log.Error("fail transition", "id", j.ID, "error", ferr)
				}
			}
		}(job)
	}
}

// sleep waits one poll interval. Returns false if ctx was cancelled first.
func (d *Dispatcher) sleep(ctx context.Context) bool {
	t := time.NewTimer(d.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (d *Dispatcher) drain(log *slog.Logger) {
	log.Info("dispatcher stopping, draining in-flight handlers")
	d.wg.Wait()
	log.Info("dispatcher stopped")
}
