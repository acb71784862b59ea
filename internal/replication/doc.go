// Package replication copies policy artifacts from a source node to one or
// more target nodes.
//
// Each (target, artifact) pair is one request that moves through a fixed
// state machine:
//
//	REQUESTED -> EXPORTING -> DOWNLOADING -> [REMOVING] -> UPLOADING -> IMPORTING -> APPLYING -> AVAILABLE
//
// URL imports skip EXPORTING. A target that already holds the same version
// under the same name completes straight to AVAILABLE. Any stage may end in
// ERROR, which keeps the request in the Registry until it is deleted.
//
// The Orchestrator owns the Registry. Exported files are staged in a local
// cache.Cache keyed by artifact ID and version, so repeated or concurrent
// replications of one version export and download it once.
//
// Tracked requests live in memory only. Every transition is also written to
// an optional Journal for audit, but a restarted process does not resume
// from it.
package replication
