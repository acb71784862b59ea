package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/policysync/internal/node"
	"github.com/roach88/policysync/internal/testutil"
)

// scriptedJobs replays a fixed sequence of poll responses. Once the script
// is exhausted the last response repeats.
type scriptedJobs struct {
	mu      sync.Mutex
	script  []node.JobStatus
	err     error
	polls   int
	deleted []string
}

func (s *scriptedJobs) PollJob(_ context.Context, job node.JobHandle) (node.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return node.JobStatus{}, s.err
	}
	i := s.polls
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	s.polls++
	return s.script[i], nil
}

func (s *scriptedJobs) DeleteJob(_ context.Context, job node.JobHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, job.ID)
	return nil
}

var (
	pending = node.JobStatus{State: node.JobPending}
	start   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job     = node.JobHandle{ID: "job-7", Kind: node.JobImport, Node: "D"}
)

func TestAwaitCompletion_Success(t *testing.T) {
	clock := testutil.NewFakeClock(start)
	jobs := &scriptedJobs{script: []node.JobStatus{
		pending, pending,
		{State: node.JobSuccess, Result: json.RawMessage(`{"id":"B7"}`)},
	}}
	p := New(WithClock(clock))

	result, err := p.AwaitCompletion(context.Background(), jobs, job, 2*time.Second, time.Minute)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"B7"}`, string(result))
	assert.Equal(t, 3, jobs.polls)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, clock.Sleeps())
	assert.Equal(t, []string{"job-7"}, jobs.deleted, "finished job record must be deleted")
}

func TestAwaitCompletion_FailureCarriesPayload(t *testing.T) {
	clock := testutil.NewFakeClock(start)
	jobs := &scriptedJobs{script: []node.JobStatus{
		pending,
		{State: node.JobFailure, Result: json.RawMessage(`{"error":"schema mismatch"}`)},
	}}
	p := New(WithClock(clock))

	_, err := p.AwaitCompletion(context.Background(), jobs, job, time.Second, time.Minute)
	require.ErrorIs(t, err, ErrJobFailed)
	assert.NotErrorIs(t, err, ErrJobTimeout)

	var je *JobError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, "schema mismatch", je.Detail())
	assert.Contains(t, err.Error(), "schema mismatch")
	assert.Equal(t, []string{"job-7"}, jobs.deleted)
}

func TestAwaitCompletion_TimeoutNeverBeforeDeadline(t *testing.T) {
	for _, tc := range []struct {
		name     string
		interval time.Duration
		timeout  time.Duration
	}{
		{"exact multiple", 2 * time.Second, 10 * time.Second},
		{"not a multiple", 3 * time.Second, 10 * time.Second},
		{"interval longer than timeout", 5 * time.Second, time.Second},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clock := testutil.NewFakeClock(start)
			jobs := &scriptedJobs{script: []node.JobStatus{pending}}
			p := New(WithClock(clock))

			_, err := p.AwaitCompletion(context.Background(), jobs, job, tc.interval, tc.timeout)
			require.ErrorIs(t, err, ErrJobTimeout)

			var je *JobError
			require.ErrorAs(t, err, &je)
			assert.Greater(t, je.Elapsed, tc.timeout, "timeout must not fire before the deadline")
			assert.GreaterOrEqual(t, clock.Now().Sub(start), tc.timeout)
			assert.Less(t, je.Elapsed, tc.timeout+tc.interval+time.Nanosecond, "timeout must fire within one interval of the deadline")
			assert.Empty(t, jobs.deleted, "timed-out jobs are left for the node to reap")
		})
	}
}

func TestAwaitCompletion_PollErrorFailsStage(t *testing.T) {
	boom := errors.New("connection refused")
	jobs := &scriptedJobs{err: boom}
	p := New(WithClock(testutil.NewFakeClock(start)))

	_, err := p.AwaitCompletion(context.Background(), jobs, job, time.Second, time.Minute)
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrJobTimeout)
}

func TestAwaitCompletion_ContextCancelled(t *testing.T) {
	jobs := &scriptedJobs{script: []node.JobStatus{pending}}
	p := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.AwaitCompletion(ctx, jobs, job, time.Hour, 2*time.Hour)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwaitCompletion_Defaults(t *testing.T) {
	clock := testutil.NewFakeClock(start)
	jobs := &scriptedJobs{script: []node.JobStatus{pending, {State: node.JobSuccess}}}
	p := New(WithClock(clock))

	_, err := p.AwaitCompletion(context.Background(), jobs, job, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{DefaultInterval}, clock.Sleeps())
}

func TestJobError_DetailFallsBackToRawPayload(t *testing.T) {
	e := &JobError{Kind: KindFailed, Job: job, Payload: json.RawMessage(`"disk full"`)}
	assert.Equal(t, `"disk full"`, e.Detail())

	e = &JobError{Kind: KindFailed, Job: job, Payload: json.RawMessage(`{"message":"quota"}`)}
	assert.Equal(t, "quota", e.Detail())
}
