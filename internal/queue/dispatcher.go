package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/corvidmail/provisiond/internal/logutil"
)

// FailureHook is invoked once per permanently failed job, after the ledger
// write. The default hook only logs; deployments hang cleanup or alerting
// off it.
type FailureHook func(env *Envelope, cause error)

// Options configures a Dispatcher.
type Options struct {
	// Workers is the number of concurrent workers (default 4).
	Workers int

	// MaxReleases caps how often a single job may defer itself before it
	// is treated as permanently failed. Releases do not consume the retry
	// budget (a release is a scheduling decision, not a failure), so an
	// unbounded dependency wait needs its own cap. Default 120.
	MaxReleases int

	// RetryDelay computes the delay before retry number `attempt` (1-based)
	// of a failed job. Defaults to exponential backoff.
	RetryDelay func(attempt int) time.Duration

	// FailureHook is called for permanently failed jobs. Optional.
	FailureHook FailureHook

	// Logger is used for job telemetry. Optional.
	Logger *slog.Logger
}

// Stats is a point-in-time snapshot of dispatcher counters plus driver
// depths. Canceled and released are tracked separately from done and failed;
// a release is not a failure and a cancel is not a success.
type Stats struct {
	Done     int64 `json:"done"`
	Released int64 `json:"released"`
	Canceled int64 `json:"canceled"`
	Retried  int64 `json:"retried"`
	Failed   int64 `json:"failed"`
	Depth    Depth `json:"depth"`
}

// Dispatcher pulls envelopes from a driver and executes registered handlers
// across a worker pool, interpreting each job's Outcome.
type Dispatcher struct {
	driver      Driver
	logger      *slog.Logger
	workers     int
	maxReleases int
	retryDelay  func(attempt int) time.Duration
	failureHook FailureHook

	mu       sync.RWMutex
	handlers map[string]Handler

	done     atomic.Int64
	released atomic.Int64
	canceled atomic.Int64
	retried  atomic.Int64
	failed   atomic.Int64
}

// NewDispatcher creates a dispatcher over the given driver.
func NewDispatcher(driver Driver, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxReleases <= 0 {
		opts.MaxReleases = 120
	}
	if opts.RetryDelay == nil {
		opts.RetryDelay = defaultRetryDelay
	}

	return &Dispatcher{
		driver:      driver,
		logger:      logutil.NoopIfNil(opts.Logger),
		workers:     opts.Workers,
		maxReleases: opts.MaxReleases,
		retryDelay:  opts.RetryDelay,
		failureHook: opts.FailureHook,
		handlers:    make(map[string]Handler),
	}
}

// defaultRetryDelay derives the retry schedule from an exponential backoff
// policy: ~10s, 15s, 22s, ... capped at 10 minutes, with jitter.
func defaultRetryDelay(attempt int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Second
	policy.MaxInterval = 10 * time.Minute

	delay := policy.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}

// Handle registers the handler for a job type. Registering twice replaces
// the previous handler.
func (d *Dispatcher) Handle(jobType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[jobType] = h
}

func (d *Dispatcher) handler(jobType string) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[jobType]
}

// Enqueue marshals payload and stores a new envelope for immediate
// execution.
func (d *Dispatcher) Enqueue(ctx context.Context, jobType string, payload any, maxTries int) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("enqueue %s: marshal payload: %w", jobType, err)
	}
	if maxTries <= 0 {
		maxTries = 1
	}

	now := time.Now()
	env := &Envelope{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     raw,
		MaxTries:    maxTries,
		AvailableAt: now,
		EnqueuedAt:  now,
	}
	return d.driver.Enqueue(ctx, env)
}

// Run executes jobs until ctx is canceled, then drains the worker pool.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.work(ctx, worker)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	for {
		env, err := d.driver.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("dequeue failed", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		d.process(ctx, env)
	}
}

func (d *Dispatcher) process(ctx context.Context, env *Envelope) {
	h := d.handler(env.Type)
	if h == nil {
		d.permanentFailure(ctx, env, fmt.Errorf("no handler registered for %q", env.Type))
		return
	}

	start := time.Now()
	outcome := d.invoke(ctx, h, env)
	elapsed := time.Since(start)

	log := d.logger.With("job", env.Type, "id", env.ID, "elapsed", elapsed)

	switch outcome.kind {
	case outcomeDone:
		d.done.Add(1)
		log.Info("job done")

	case outcomeRelease:
		env.Releases++
		if env.Releases > d.maxReleases {
			d.permanentFailure(ctx, env,
				fmt.Errorf("released %d times without progress", env.Releases-1))
			return
		}
		d.released.Add(1)
		env.AvailableAt = time.Now().Add(outcome.delay)
		if err := d.driver.Enqueue(ctx, env); err != nil {
			log.Error("re-enqueue after release failed", "error", err)
			return
		}
		log.Info("job released", "delay", outcome.delay, "releases", env.Releases)

	case outcomeCancel:
		d.canceled.Add(1)
		log.Info("job canceled")

	case outcomeFail:
		env.Attempts++
		if env.Attempts >= env.MaxTries {
			d.permanentFailure(ctx, env, outcome.err)
			return
		}
		d.retried.Add(1)
		delay := d.retryDelay(env.Attempts)
		env.AvailableAt = time.Now().Add(delay)
		if err := d.driver.Enqueue(ctx, env); err != nil {
			log.Error("re-enqueue after failure failed", "error", err)
			return
		}
		log.Warn("job failed, will retry",
			"error", outcome.err, "attempt", env.Attempts, "max_tries", env.MaxTries, "delay", delay)

	case outcomeAbort:
		d.permanentFailure(ctx, env, outcome.err)
	}
}

// invoke runs the handler with panic recovery. A panicking job is a failed
// job, not a dead worker.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, env *Envelope) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Failf("panic in %s: %v", env.Type, r)
		}
	}()
	return h(ctx, env.Payload)
}

func (d *Dispatcher) permanentFailure(ctx context.Context, env *Envelope, cause error) {
	d.failed.Add(1)
	d.logger.Error("job permanently failed",
		"job", env.Type, "id", env.ID, "attempts", env.Attempts, "error", cause)

	if err := d.driver.RecordFailure(ctx, env, cause.Error()); err != nil {
		d.logger.Error("failed-job ledger write failed", "job", env.Type, "id", env.ID, "error", err)
	}
	if d.failureHook != nil {
		d.failureHook(env, cause)
	}
}

// Stats returns the current counters and driver depths.
func (d *Dispatcher) Stats(ctx context.Context) (Stats, error) {
	depth, err := d.driver.Depth(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Done:     d.done.Load(),
		Released: d.released.Load(),
		Canceled: d.canceled.Load(),
		Retried:  d.retried.Load(),
		Failed:   d.failed.Load(),
		Depth:    depth,
	}, nil
}
