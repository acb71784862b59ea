package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/policysync/internal/api"
	"github.com/roach88/policysync/internal/node"
	"github.com/roach88/policysync/internal/replication"
)

// fakeService answers the API with canned results.
type fakeService struct {
	got     replication.Submission
	entries []replication.StatusEntry
	liveErr string
	err     error
}

func (f *fakeService) Submit(_ context.Context, sub replication.Submission) ([]replication.Request, error) {
	f.got = sub
	if f.err != nil {
		return nil, f.err
	}
	var out []replication.Request
	for i, t := range sub.Targets {
		out = append(out, replication.Request{
			ID:         "req-" + string(rune('1'+i)),
			Target:     t,
			ArtifactID: "A1",
			TargetName: "linux-high",
			State:      replication.StateRequested,
		})
	}
	return out, nil
}

func (f *fakeService) Status(context.Context, node.ID) (replication.NodeStatus, error) {
	return replication.NodeStatus{Policies: f.entries, LiveError: f.liveErr}, f.err
}

func (f *fakeService) Delete(context.Context, node.ID, string) error {
	return f.err
}

func newAPIServer(t *testing.T, svc api.Service) string {
	t.Helper()
	srv := httptest.NewServer(api.NewHandler(svc, slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestSubmitCommand(t *testing.T) {
	svc := &fakeService{}
	server := newAPIServer(t, svc)

	buf := &bytes.Buffer{}
	cmd := NewSubmitCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--server", server, "--source", "S", "--artifact-name", "linux-high", "-t", "D1", "-t", "D2", "--mode", "enforce"})

	require.NoError(t, cmd.Execute())

	assert.Equal(t, replication.Submission{
		SourceNode:      "S",
		Targets:         []node.ID{"D1", "D2"},
		ArtifactName:    "linux-high",
		EnforcementMode: "enforce",
	}, svc.got)
	assert.Contains(t, buf.String(), "Accepted 2 request(s)")
	assert.Contains(t, buf.String(), "D2/A1")
}

func TestSubmitCommandRejected(t *testing.T) {
	svc := &fakeService{err: &replication.Error{Code: replication.CodeVersionIncompatible, Message: "S 7.2.0 and D3 8.0.0"}}
	server := newAPIServer(t, svc)

	buf := &bytes.Buffer{}
	cmd := NewSubmitCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--server", server, "--source", "S", "--artifact-id", "A1", "--target", "D3"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VERSION_INCOMPATIBLE", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "8.0.0")
}

func TestStatusCommand(t *testing.T) {
	svc := &fakeService{entries: []replication.StatusEntry{
		{ID: "A1", Name: "linux-high", State: replication.StateUploading, RequestID: "req-1"},
		{ID: "A2", Name: "win-base", State: replication.StateAvailable, LastChanged: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
	}}
	server := newAPIServer(t, svc)

	buf := &bytes.Buffer{}
	cmd := NewStatusCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--server", server, "D1"})

	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "UPLOADING")
	assert.Contains(t, out, "2026-03-01T10:00:00Z")
	assert.Contains(t, out, "win-base")
}

func TestStatusCommandWarnsWhenNodeUnreachable(t *testing.T) {
	svc := &fakeService{
		entries: []replication.StatusEntry{{ID: "A1", Name: "linux-high", State: replication.StateError, Error: "import failed"}},
		liveErr: "TRANSFER: list artifacts on D1: connection refused",
	}
	server := newAPIServer(t, svc)

	buf := &bytes.Buffer{}
	cmd := NewStatusCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--server", server, "D1"})

	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "Warning: showing tracked requests only")
	assert.Contains(t, out, "connection refused")
	assert.Contains(t, out, "import failed")
}

func TestStatusCommandEmpty(t *testing.T) {
	server := newAPIServer(t, &fakeService{})

	buf := &bytes.Buffer{}
	cmd := NewStatusCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--server", server, "D1"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "No policies on D1.\n", buf.String())
}

func TestDeleteCommand(t *testing.T) {
	server := newAPIServer(t, &fakeService{})

	buf := &bytes.Buffer{}
	cmd := NewDeleteCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--server", server, "D1", "A1"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "Deleted D1/A1\n", buf.String())
}

func TestDeleteCommandConflict(t *testing.T) {
	svc := &fakeService{err: &replication.Error{Code: replication.CodeConflict, Message: "request req-1 is UPLOADING"}}
	server := newAPIServer(t, svc)

	buf := &bytes.Buffer{}
	cmd := NewDeleteCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--server", server, "D1", "A1"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, buf.String(), "Error [CONFLICT]")
}

func TestClientUnreachableServer(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewStatusCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--server", "http://127.0.0.1:1", "D1"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "Error [UNREACHABLE]")
}
