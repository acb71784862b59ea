// Package node defines the protocol spoken between policysync and the
// members of a trusted cluster.
//
// A node hosts policy artifacts and runs asynchronous export, import and
// apply jobs on request. Every job is submitted, polled until it reaches a
// terminal status, and then deleted best-effort:
//
//	submit job -> {id}
//	poll job   -> {status: PENDING|SUCCESS|FAILURE, result?}
//	delete job -> best-effort cleanup
//
// Files move between nodes through each node's staging area: a streamed GET
// for downloads and a chunked PUT with byte-range headers for uploads.
//
// Resolving a logical node ID to a reachable address, exchanging
// authorization tokens and checking version compatibility are done by
// collaborators behind the Resolver, Authorizer and CompatibilityChecker
// interfaces.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"
)

// ID is the logical identifier of a cluster member.
type ID string

// Info describes a resolved node.
type Info struct {
	ID      ID
	URL     string
	Version string

	// Local marks the node policysync runs on. Requests to the local node
	// skip the token exchange.
	Local bool

	// Token is the static credential used by StaticAuthorizer.
	Token string
}

// Artifact is a policy resident on a node.
type Artifact struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	LastChanged     time.Time `json:"last_changed"`
	EnforcementMode string    `json:"enforcement_mode,omitempty"`
}

// JobKind names the remote asynchronous actions a node can run.
type JobKind string

const (
	JobExport JobKind = "export"
	JobImport JobKind = "import"
	JobApply  JobKind = "apply"
)

// JobState is the status reported when polling a remote job.
type JobState string

const (
	JobPending JobState = "PENDING"
	JobSuccess JobState = "SUCCESS"
	JobFailure JobState = "FAILURE"
)

// Terminal reports whether no further transition is expected.
func (s JobState) Terminal() bool {
	return s == JobSuccess || s == JobFailure
}

// JobHandle identifies a remote job on the node that accepted it.
type JobHandle struct {
	ID   string  `json:"id"`
	Kind JobKind `json:"kind"`
	Node ID      `json:"node"`
}

// JobStatus is a single poll response.
type JobStatus struct {
	State  JobState        `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ExportResult is the terminal payload of a successful export job.
type ExportResult struct {
	File string `json:"file"`
}

// ImportResult is the terminal payload of a successful import job.
// ID is assigned by the importing node and may differ from the source ID.
type ImportResult struct {
	ID string `json:"id"`
}

// ImportRequest asks a node to import a file previously uploaded to its
// staging area.
type ImportRequest struct {
	File            string    `json:"file"`
	Name            string    `json:"name"`
	ID              string    `json:"id,omitempty"`
	EnforcementMode string    `json:"enforcement_mode,omitempty"`
	LastChanged     time.Time `json:"last_changed"`
}

// ChunkRange is an inclusive byte range of a file being uploaded.
type ChunkRange struct {
	Start int64
	End   int64
	Total int64
}

// Last reports whether the chunk covers the end of the file.
func (r ChunkRange) Last() bool {
	return r.End+1 == r.Total
}

var (
	// ErrNotFound is returned when a node does not hold the requested
	// artifact, job or staged file.
	ErrNotFound = errors.New("not found")

	// ErrUnknownNode is returned by a Resolver for an unregistered node ID.
	ErrUnknownNode = errors.New("unknown node")

	// ErrIncompatible is returned by a CompatibilityChecker.
	ErrIncompatible = errors.New("incompatible node versions")
)

// Client speaks the node protocol to one cluster member.
type Client interface {
	Info() Info

	// LookupArtifact finds an artifact by ID, falling back to name.
	LookupArtifact(ctx context.Context, idOrName string) (Artifact, error)
	ListArtifacts(ctx context.Context) ([]Artifact, error)
	DeleteArtifact(ctx context.Context, id string) error

	SubmitExport(ctx context.Context, artifactID string) (JobHandle, error)
	SubmitImport(ctx context.Context, req ImportRequest) (JobHandle, error)
	SubmitApply(ctx context.Context, artifactID string) (JobHandle, error)
	PollJob(ctx context.Context, job JobHandle) (JobStatus, error)
	DeleteJob(ctx context.Context, job JobHandle) error

	// Download streams a file from the node's staging area into w.
	Download(ctx context.Context, file string, w io.Writer) error

	// UploadChunk writes one byte range of a file to the node's staging area.
	UploadChunk(ctx context.Context, file string, rng ChunkRange, data []byte) error
}

// Resolver maps a logical node ID to a client.
type Resolver interface {
	Resolve(ctx context.Context, id ID) (Client, error)
}

// Authorizer performs the token exchange required to reach a remote node.
type Authorizer interface {
	Token(ctx context.Context, target Info) (string, error)
}

// CompatibilityChecker decides whether artifacts exported by src can be
// imported on dst.
type CompatibilityChecker interface {
	Compatible(src, dst Info) error
}
