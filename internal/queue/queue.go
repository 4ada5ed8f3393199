// Package queue implements the job dispatch and retry runtime.
//
// A job execution resolves to exactly one of four outcomes: Done, Release
// (re-enqueue after a delay, for dependency waits), Cancel (the work is moot,
// drop silently) or a failure. Failures split into Fail (fatal but
// retryable, consumes the attempt budget) and Abort (logical inconsistency,
// goes straight to the failed ledger). Outcomes are values, not exceptions;
// the dispatcher interprets them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by drivers after Close.
var ErrClosed = errors.New("queue closed")

// Envelope is the durable wrapper around one job. It carries the payload as
// opaque JSON; payloads hold durable identifiers, never live rows, so they
// survive serialization and row staleness.
type Envelope struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	Releases    int             `json:"releases"`
	MaxTries    int             `json:"maxTries"`
	AvailableAt time.Time       `json:"availableAt"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

// Handler executes one job. It must be idempotent: the scheduler gives no
// mutual exclusion between jobs for the same entity, and a job may run more
// than once.
type Handler func(ctx context.Context, payload json.RawMessage) Outcome

// Driver is the queue storage backend. Implementations must be safe for
// concurrent use by multiple workers.
type Driver interface {
	// Name returns the driver name.
	Name() string

	// Enqueue stores an envelope, honoring AvailableAt for delayed jobs.
	Enqueue(ctx context.Context, env *Envelope) error

	// Dequeue blocks until an envelope is available or ctx is done.
	Dequeue(ctx context.Context) (*Envelope, error)

	// RecordFailure appends the envelope to the failed-job ledger.
	RecordFailure(ctx context.Context, env *Envelope, cause string) error

	// Depth reports current queue depths.
	Depth(ctx context.Context) (Depth, error)

	// Close releases resources.
	Close() error
}

// Depth is a point-in-time view of driver-side queue depths.
type Depth struct {
	Pending int64 `json:"pending"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

// FailureRecord is one entry in the failed-job ledger.
type FailureRecord struct {
	Envelope Envelope  `json:"envelope"`
	Cause    string    `json:"cause"`
	FailedAt time.Time `json:"failedAt"`
}

type outcomeKind int

const (
	outcomeDone outcomeKind = iota
	outcomeRelease
	outcomeCancel
	outcomeFail
	outcomeAbort
)

// Outcome is the result of one job execution.
type Outcome struct {
	kind  outcomeKind
	delay time.Duration
	err   error
}

// Done reports successful completion (including succeed-as-noop).
func Done() Outcome { return Outcome{kind: outcomeDone} }

// Release defers the job: re-enqueue after delay without consuming the
// retry budget. Used to wait for a dependency that is not ready yet.
func Release(delay time.Duration) Outcome {
	return Outcome{kind: outcomeRelease, delay: delay}
}

// Cancel drops the job silently: its work is moot (entity already deleted,
// update superseded). Distinct from both success and failure in telemetry.
func Cancel() Outcome { return Outcome{kind: outcomeCancel} }

// Fail reports a fatal-but-retryable failure. The dispatcher retries with
// backoff up to the envelope's MaxTries, then records it in the ledger.
func Fail(err error) Outcome { return Outcome{kind: outcomeFail, err: err} }

// Abort reports a logical inconsistency (precondition violated). No retry:
// straight to the failed ledger.
func Abort(err error) Outcome { return Outcome{kind: outcomeAbort, err: err} }

// Failf is shorthand for Fail(fmt.Errorf(...)).
func Failf(format string, args ...any) Outcome {
	return Fail(fmt.Errorf(format, args...))
}

// Abortf is shorthand for Abort(fmt.Errorf(...)).
func Abortf(format string, args ...any) Outcome {
	return Abort(fmt.Errorf(format, args...))
}

// Err returns the failure cause for Fail and Abort outcomes, nil otherwise.
func (o Outcome) Err() error { return o.err }

// Delay returns the re-enqueue delay for Release outcomes, zero otherwise.
func (o Outcome) Delay() time.Duration { return o.delay }

// String names the outcome for logs and counters.
func (o Outcome) String() string {
	switch o.kind {
	case outcomeDone:
		return "done"
	case outcomeRelease:
		return "released"
	case outcomeCancel:
		return "canceled"
	case outcomeFail:
		return "failed"
	case outcomeAbort:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o.kind))
	}
}
