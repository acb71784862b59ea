// Package poller turns a remote asynchronous job into a single awaited
// result.
//
// AwaitCompletion polls the job at a fixed interval in a bounded loop:
//
//	loop:
//	    status := poll(job)
//	    SUCCESS  -> return result payload
//	    FAILURE  -> fail with JobError{Kind: Failed, Payload}
//	    PENDING  -> if elapsed > timeout: fail with JobError{Kind: Timeout}
//	                else sleep(interval) and loop
//
// The timeout check runs only after a non-terminal poll, so a job reported
// PENDING is never abandoned before the full timeout has elapsed. After a
// terminal status the job record is deleted best-effort.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/policysync/internal/node"
)

const (
	// DefaultInterval is the wait between two polls.
	DefaultInterval = 2 * time.Second

	// DefaultExportTimeout bounds export jobs.
	DefaultExportTimeout = 60 * time.Second

	// DefaultImportTimeout bounds import jobs.
	DefaultImportTimeout = 120 * time.Second

	// DefaultApplyTimeout bounds apply jobs.
	DefaultApplyTimeout = 120 * time.Second
)

var (
	// ErrJobFailed matches a JobError of kind Failed.
	ErrJobFailed = errors.New("remote job failed")

	// ErrJobTimeout matches a JobError of kind Timeout.
	ErrJobTimeout = errors.New("remote job timed out")
)

// JobClient is the subset of node.Client the poller needs.
type JobClient interface {
	PollJob(ctx context.Context, job node.JobHandle) (node.JobStatus, error)
	DeleteJob(ctx context.Context, job node.JobHandle) error
}

// Clock abstracts time so tests can run long schedules instantly.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Sleep waits for d or until ctx is done.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// JobErrorKind distinguishes remote failure from local timeout.
type JobErrorKind string

const (
	KindFailed  JobErrorKind = "FAILED"
	KindTimeout JobErrorKind = "TIMEOUT"
)

// JobError is returned when a job does not succeed.
type JobError struct {
	Kind    JobErrorKind
	Job     node.JobHandle
	Payload json.RawMessage
	Elapsed time.Duration
	Polls   int
}

func (e *JobError) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("%s job %s on %s did not finish within %s (%d polls)", e.Job.Kind, e.Job.ID, e.Job.Node, e.Elapsed.Round(time.Millisecond), e.Polls)
	default:
		if detail := e.Detail(); detail != "" {
			return fmt.Sprintf("%s job %s on %s failed: %s", e.Job.Kind, e.Job.ID, e.Job.Node, detail)
		}
		return fmt.Sprintf("%s job %s on %s failed", e.Job.Kind, e.Job.ID, e.Job.Node)
	}
}

// Is matches ErrJobFailed and ErrJobTimeout by kind.
func (e *JobError) Is(target error) bool {
	switch target {
	case ErrJobFailed:
		return e.Kind == KindFailed
	case ErrJobTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

// Detail extracts a human-readable message from the remote payload. It
// looks for an "error" or "message" string field and falls back to the raw
// payload.
func (e *JobError) Detail() string {
	if len(e.Payload) == 0 {
		return ""
	}
	var fields struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Payload, &fields); err == nil {
		if fields.Error != "" {
			return fields.Error
		}
		if fields.Message != "" {
			return fields.Message
		}
	}
	return string(e.Payload)
}

// Poller waits on remote jobs.
type Poller struct {
	clock  Clock
	logger *slog.Logger
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(p *Poller) {
		p.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		p.logger = l
	}
}

// New creates a Poller.
func New(opts ...Option) *Poller {
	p := &Poller{clock: SystemClock{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AwaitCompletion polls job on c until it reaches a terminal status or
// timeout elapses, returning the SUCCESS payload. Non-positive interval or
// timeout values fall back to DefaultInterval and DefaultImportTimeout.
// Transport errors while polling are returned as-is.
func (p *Poller) AwaitCompletion(ctx context.Context, c JobClient, job node.JobHandle, interval, timeout time.Duration) (json.RawMessage, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultImportTimeout
	}

	start := p.clock.Now()
	polls := 0
	for {
		st, err := c.PollJob(ctx, job)
		if err != nil {
			return nil, fmt.Errorf("poll %s job %s: %w", job.Kind, job.ID, err)
		}
		polls++

		switch st.State {
		case node.JobSuccess:
			p.cleanup(ctx, c, job)
			p.logger.Debug("remote job succeeded", "job", job.ID, "kind", job.Kind, "node", job.Node, "polls", polls)
			return st.Result, nil
		case node.JobFailure:
			p.cleanup(ctx, c, job)
			return nil, &JobError{Kind: KindFailed, Job: job, Payload: st.Result, Elapsed: p.clock.Now().Sub(start), Polls: polls}
		}

		if elapsed := p.clock.Now().Sub(start); elapsed > timeout {
			return nil, &JobError{Kind: KindTimeout, Job: job, Elapsed: elapsed, Polls: polls}
		}
		if err := p.clock.Sleep(ctx, interval); err != nil {
			return nil, err
		}
	}
}

// cleanup deletes a finished job record; failures are only logged.
func (p *Poller) cleanup(ctx context.Context, c JobClient, job node.JobHandle) {
	if err := c.DeleteJob(ctx, job); err != nil {
		p.logger.Warn("failed to delete remote job record", "job", job.ID, "node", job.Node, "error", err)
	}
}
