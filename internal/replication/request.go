package replication

import (
	"time"

	"github.com/roach88/policysync/internal/node"
)

// Key identifies a replication request: one artifact on one target.
// Artifact starts as the source artifact ID and is rewritten when the
// target assigns a different ID on import.
type Key struct {
	Target   node.ID `json:"target"`
	Artifact string  `json:"artifact"`
}

func (k Key) String() string {
	return string(k.Target) + "/" + k.Artifact
}

// Request is a tracked replication. Values handed out by the registry are
// snapshots; mutating them has no effect.
type Request struct {
	ID              string    `json:"request_id"`
	Target          node.ID   `json:"target"`
	ArtifactID      string    `json:"artifact_id"`
	SourceName      string    `json:"source_name,omitempty"`
	TargetName      string    `json:"target_name"`
	EnforcementMode string    `json:"enforcement_mode,omitempty"`
	Source          node.ID   `json:"source,omitempty"`
	SourceURL       string    `json:"source_url,omitempty"`
	Version         time.Time `json:"version"`
	State           State     `json:"state"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Key returns the request's current registry key.
func (r Request) Key() Key {
	return Key{Target: r.Target, Artifact: r.ArtifactID}
}

// Submission asks for an artifact to be replicated to one or more targets.
//
// Exactly one of SourceNode and SourceURL names the origin. With a source
// node, exactly one of ArtifactID and ArtifactName selects the artifact.
// With a source URL, the artifact is taken to be named TargetName (or
// ArtifactName) and Version stamps the fetched copy; a zero Version means
// the submission time.
type Submission struct {
	SourceNode      node.ID   `json:"source_node,omitempty"`
	SourceURL       string    `json:"source_url,omitempty"`
	Targets         []node.ID `json:"target_nodes"`
	ArtifactID      string    `json:"artifact_id,omitempty"`
	ArtifactName    string    `json:"artifact_name,omitempty"`
	TargetName      string    `json:"target_name,omitempty"`
	EnforcementMode string    `json:"enforcement_mode,omitempty"`
	Version         time.Time `json:"version,omitzero"`
}

// StatusEntry is one row of a target's status view: either a tracked
// request or an artifact already present on the node.
type StatusEntry struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	State           State     `json:"state"`
	Error           string    `json:"error,omitempty"`
	EnforcementMode string    `json:"enforcement_mode,omitempty"`
	LastChanged     time.Time `json:"last_changed"`
	RequestID       string    `json:"request_id,omitempty"`
}

// NodeStatus is the view of one target: its tracked requests and the
// artifacts found on it. LiveError is set when the node could not be
// listed, in which case Policies holds only the tracked requests.
type NodeStatus struct {
	Node      node.ID       `json:"node"`
	Policies  []StatusEntry `json:"policies"`
	LiveError string        `json:"live_error,omitempty"`
}

// Transition records one state change of a request.
type Transition struct {
	Seq       int64     `json:"seq"`
	RequestID string    `json:"request_id"`
	Key       Key       `json:"key"`
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
