// Package nodetest provides an in-memory cluster member for tests.
//
// Node implements node.Client entirely in memory: artifacts, staged files
// and jobs live in maps guarded by a mutex. Behavior knobs (pending polls,
// import failure, ID reassignment, upload gating) let tests drive the
// replication pipeline down each of its branches.
package nodetest

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/roach88/policysync/internal/node"
)

// Operation names used by Count.
const (
	OpLookup      = "lookup"
	OpList        = "list"
	OpDelete      = "delete"
	OpExport      = "export"
	OpImport      = "import"
	OpApply       = "apply"
	OpPoll        = "poll"
	OpDeleteJob   = "delete_job"
	OpDownload    = "download"
	OpUploadChunk = "upload_chunk"
)

type job struct {
	handle node.JobHandle
	final  node.JobStatus
	polls  int
	commit func()
}

// Node is a fake cluster member.
type Node struct {
	// PendingPolls is the number of PENDING responses each job returns
	// before reporting its terminal status.
	PendingPolls int

	// FailImport makes every import job finish with FAILURE carrying
	// FailDetail as its payload.
	FailImport bool
	FailDetail string

	// AssignIDs makes imports assign fresh artifact IDs instead of keeping
	// the requested one.
	AssignIDs bool

	// UploadGate, when set, blocks every UploadChunk until it can receive
	// from the channel (or the channel is closed).
	UploadGate chan struct{}

	// FailDownload makes Download write half the file and then fail.
	FailDownload bool

	// ExportGate, when set, keeps export jobs PENDING until it is closed.
	ExportGate chan struct{}

	// ListErr, when set, is returned by ListArtifacts.
	ListErr error

	mu        sync.Mutex
	info      node.Info
	artifacts map[string]node.Artifact
	payloads  map[string][]byte
	staging   map[string][]byte
	applied   map[string]bool
	jobs      map[string]*job
	counts    map[string]int
	nextID    int
}

// New creates an empty node.
func New(id node.ID, version string) *Node {
	return &Node{
		info:      node.Info{ID: id, URL: "mem://" + string(id), Version: version},
		artifacts: make(map[string]node.Artifact),
		payloads:  make(map[string][]byte),
		staging:   make(map[string][]byte),
		applied:   make(map[string]bool),
		jobs:      make(map[string]*job),
		counts:    make(map[string]int),
	}
}

// AddPolicy places an artifact on the node with a deterministic exportable
// payload.
func (n *Node) AddPolicy(a node.Artifact) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.artifacts[a.ID] = a
	n.payloads[a.ID] = Payload(a.Name, a.LastChanged)
	n.applied[a.ID] = true
}

// Payload returns the gzip-compressed document the fake exports for a
// policy. Test servers serving URL imports can reuse it.
func Payload(name string, lastChanged time.Time) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	fmt.Fprintf(zw, "policy %s\nlast_changed %d\n", name, lastChanged.Unix())
	// Padding so multi-chunk uploads can be exercised with small chunk sizes.
	zw.Write(bytes.Repeat([]byte{'#'}, 2048))
	zw.Close()
	return buf.Bytes()
}

// Artifacts returns the node's artifacts sorted by ID.
func (n *Node) Artifacts() []node.Artifact {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sortedLocked()
}

// Applied reports whether the artifact with id has been activated.
func (n *Node) Applied(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.applied[id]
}

// Staged returns a copy of a staged file's contents.
func (n *Node) Staged(file string) ([]byte, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.staging[file]
	return append([]byte(nil), b...), ok
}

// Count returns how many times op was invoked.
func (n *Node) Count(op string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[op]
}

// OpenJobs returns the number of job records not yet deleted.
func (n *Node) OpenJobs() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.jobs)
}

func (n *Node) Info() node.Info { return n.info }

func (n *Node) LookupArtifact(_ context.Context, idOrName string) (node.Artifact, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts[OpLookup]++
	if a, ok := n.artifacts[idOrName]; ok {
		return a, nil
	}
	for _, a := range n.sortedLocked() {
		if node.SameName(a.Name, idOrName) {
			return a, nil
		}
	}
	return node.Artifact{}, fmt.Errorf("artifact %q on %s: %w", idOrName, n.info.ID, node.ErrNotFound)
}

func (n *Node) ListArtifacts(context.Context) ([]node.Artifact, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts[OpList]++
	if n.ListErr != nil {
		return nil, n.ListErr
	}
	return n.sortedLocked(), nil
}

func (n *Node) DeleteArtifact(_ context.Context, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts[OpDelete]++
	if _, ok := n.artifacts[id]; !ok {
		return fmt.Errorf("artifact %q on %s: %w", id, n.info.ID, node.ErrNotFound)
	}
	delete(n.artifacts, id)
	delete(n.payloads, id)
	delete(n.applied, id)
	return nil
}

func (n *Node) SubmitExport(_ context.Context, artifactID string) (node.JobHandle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts[OpExport]++
	payload, ok := n.payloads[artifactID]
	if !ok {
		return node.JobHandle{}, fmt.Errorf("export %q: %w", artifactID, node.ErrNotFound)
	}
	file := fmt.Sprintf("export-%s.tar.gz", artifactID)
	result, _ := json.Marshal(node.ExportResult{File: file})
	return n.newJobLocked(node.JobExport, node.JobStatus{State: node.JobSuccess, Result: result}, func() {
		n.staging[file] = append([]byte(nil), payload...)
	}), nil
}

func (n *Node) SubmitImport(_ context.Context, req node.ImportRequest) (node.JobHandle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts[OpImport]++
	data, ok := n.staging[req.File]
	if !ok {
		return node.JobHandle{}, fmt.Errorf("import %q: %w", req.File, node.ErrNotFound)
	}
	if n.FailImport {
		detail, _ := json.Marshal(map[string]string{"error": n.FailDetail})
		return n.newJobLocked(node.JobImport, node.JobStatus{State: node.JobFailure, Result: detail}, nil), nil
	}

	id := req.ID
	if id == "" || n.AssignIDs {
		n.nextID++
		id = fmt.Sprintf("%s-imported-%d", n.info.ID, n.nextID)
	}
	result, _ := json.Marshal(node.ImportResult{ID: id})
	a := node.Artifact{ID: id, Name: req.Name, LastChanged: req.LastChanged, EnforcementMode: req.EnforcementMode}
	payload := append([]byte(nil), data...)
	return n.newJobLocked(node.JobImport, node.JobStatus{State: node.JobSuccess, Result: result}, func() {
		n.artifacts[id] = a
		n.payloads[id] = payload
		n.applied[id] = false
	}), nil
}

func (n *Node) SubmitApply(_ context.Context, artifactID string) (node.JobHandle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts[OpApply]++
	return n.newJobLocked(node.JobApply, node.JobStatus{State: node.JobSuccess, Result: json.RawMessage(`{}`)}, func() {
		if _, ok := n.artifacts[artifactID]; ok {
			n.applied[artifactID] = true
		}
	}), nil
}

func (n *Node) PollJob(_ context.Context, h node.JobHandle) (node.JobStatus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts[OpPoll]++
	j, ok := n.jobs[h.ID]
	if !ok {
		return node.JobStatus{}, fmt.Errorf("job %q: %w", h.ID, node.ErrNotFound)
	}
	if j.polls > 0 {
		j.polls--
		return node.JobStatus{State: node.JobPending}, nil
	}
	if j.handle.Kind == node.JobExport && n.ExportGate != nil {
		select {
		case <-n.ExportGate:
		default:
			return node.JobStatus{State: node.JobPending}, nil
		}
	}
	if j.commit != nil {
		j.commit()
		j.commit = nil
	}
	return j.final, nil
}

func (n *Node) DeleteJob(_ context.Context, h node.JobHandle) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts[OpDeleteJob]++
	delete(n.jobs, h.ID)
	return nil
}

func (n *Node) Download(_ context.Context, file string, w io.Writer) error {
	n.mu.Lock()
	n.counts[OpDownload]++
	data, ok := n.staging[file]
	fail := n.FailDownload
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("download %q: %w", file, node.ErrNotFound)
	}
	if fail {
		w.Write(data[:len(data)/2])
		return fmt.Errorf("download %q: connection reset", file)
	}
	_, err := w.Write(data)
	return err
}

func (n *Node) UploadChunk(ctx context.Context, file string, rng node.ChunkRange, data []byte) error {
	if gate := n.UploadGate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts[OpUploadChunk]++
	cur := n.staging[file]
	if rng.Start == 0 {
		cur = nil
	}
	if int64(len(cur)) != rng.Start {
		return fmt.Errorf("upload %q: chunk starts at %d, have %d bytes", file, rng.Start, len(cur))
	}
	if int64(len(data)) != rng.End-rng.Start+1 {
		return fmt.Errorf("upload %q: chunk length %d does not match range", file, len(data))
	}
	n.staging[file] = append(cur, data...)
	return nil
}

func (n *Node) newJobLocked(kind node.JobKind, final node.JobStatus, commit func()) node.JobHandle {
	n.nextID++
	h := node.JobHandle{ID: fmt.Sprintf("job-%d", n.nextID), Kind: kind, Node: n.info.ID}
	n.jobs[h.ID] = &job{handle: h, final: final, polls: n.PendingPolls, commit: commit}
	return h
}

func (n *Node) sortedLocked() []node.Artifact {
	out := make([]node.Artifact, 0, len(n.artifacts))
	for _, a := range n.artifacts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var _ node.Client = (*Node)(nil)
