package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/roach88/policysync/internal/cache"
	"github.com/roach88/policysync/internal/node"
)

// pipeline is the working state of one request as it moves through the
// stages. Only the goroutine executing it touches it.
type pipeline struct {
	req Request

	src node.Client // nil for url imports
	dst node.Client

	// sourceID is the artifact's ID on the source node, "" for url imports.
	sourceID string

	// cacheID names the artifact in the local cache.
	cacheID string

	// exported is the file name in the source's staging area.
	exported string

	// stale holds every artifact of the same name on the target that must
	// be removed before upload.
	stale []node.Artifact

	entry cache.Entry
}

// stageKey identifies coalescable work.
type stageKey struct {
	op       string
	node     node.ID
	artifact string
	version  int64
}

func (k stageKey) String() string {
	return fmt.Sprintf("%s:%s:%s@%d", k.op, k.node, k.artifact, k.version)
}

type stageFunc func(ctx context.Context, p *pipeline) (State, error)

func (o *Orchestrator) stage(s State) stageFunc {
	switch s {
	case StateRequested:
		return o.locate
	case StateExporting:
		return o.export
	case StateDownloading:
		return o.download
	case StateRemoving:
		return o.remove
	case StateUploading:
		return o.upload
	case StateImporting:
		return o.importArtifact
	case StateApplying:
		return o.apply
	}
	return nil
}

// execute runs p from REQUESTED to a terminal state.
func (o *Orchestrator) execute(ctx context.Context, p *pipeline) {
	for !p.req.State.Terminal() {
		from := p.req.State
		run := o.stage(from)
		if run == nil {
			o.fail(ctx, p, fmt.Errorf("no stage for state %s", from))
			return
		}
		next, err := run(ctx, p)
		if err == nil && !CanTransition(from, next) {
			err = fmt.Errorf("illegal transition %s -> %s", from, next)
		}
		if err != nil {
			o.fail(ctx, p, err)
			return
		}
		o.advance(ctx, p, next)
	}
}

func (o *Orchestrator) advance(ctx context.Context, p *pipeline, next State) {
	p.req.State = next
	p.req.UpdatedAt = o.now()
	if next == StateAvailable {
		o.registry.Remove(p.req.Key())
	} else if _, err := o.registry.Upsert(p.req.Key(), next, "", p.req.UpdatedAt); err != nil {
		o.logger.Warn("registry entry missing", "request", p.req.ID, "key", p.req.Key(), "error", err)
	}
	o.record(ctx, p.req, next, "")
}

func (o *Orchestrator) fail(ctx context.Context, p *pipeline, err error) {
	re := stageError(p.req.Key(), p.req.State, err)
	detail := re.Error()
	p.req.State = StateError
	p.req.Error = detail
	p.req.UpdatedAt = o.now()
	if _, uerr := o.registry.Upsert(p.req.Key(), StateError, detail, p.req.UpdatedAt); uerr != nil {
		o.logger.Warn("registry entry missing", "request", p.req.ID, "key", p.req.Key(), "error", uerr)
	}
	o.record(ctx, p.req, StateError, detail)
}

// locate checks the target for an artifact of the same name. The same
// version already in place completes the request without any transfer.
func (o *Orchestrator) locate(ctx context.Context, p *pipeline) (State, error) {
	done, err := o.checkTarget(ctx, p)
	if err != nil {
		return "", err
	}
	switch {
	case done:
		return StateAvailable, nil
	case p.src == nil:
		return StateDownloading, nil
	}
	return StateExporting, nil
}

// checkTarget looks for p's target name on the target. It reports true if
// the same version is already there and otherwise remembers every differing
// copy in p.stale.
func (o *Orchestrator) checkTarget(ctx context.Context, p *pipeline) (bool, error) {
	all, err := p.dst.ListArtifacts(ctx)
	if err != nil {
		return false, fmt.Errorf("list artifacts on %s: %w", p.req.Target, err)
	}
	p.stale = nil
	for _, a := range all {
		if !node.SameName(a.Name, p.req.TargetName) {
			continue
		}
		if sameVersion(a.LastChanged, p.req.Version) {
			o.logger.Info("target already has this version", "request", p.req.ID, "key", p.req.Key(), "artifact", a.ID)
			return true, nil
		}
		p.stale = append(p.stale, a)
	}
	return false, nil
}

func sameVersion(a, b time.Time) bool {
	return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
}

// export has the source stage the artifact for download, unless the cache
// already holds this version.
func (o *Orchestrator) export(ctx context.Context, p *pipeline) (State, error) {
	key := stageKey{op: "export", node: p.src.Info().ID, artifact: p.sourceID, version: p.req.Version.Unix()}
	src, id, version := p.src, p.sourceID, p.req.Version

	file, shared, err := o.exports.Do(ctx, key, func(ctx context.Context) (string, error) {
		if o.cache.Exists(id, version) {
			return "", nil
		}
		job, err := src.SubmitExport(ctx, id)
		if err != nil {
			return "", fmt.Errorf("submit export: %w", err)
		}
		result, err := o.poller.AwaitCompletion(ctx, src, job, o.cfg.PollInterval, o.cfg.ExportTimeout)
		if err != nil {
			return "", err
		}
		var r node.ExportResult
		if err := json.Unmarshal(result, &r); err != nil {
			return "", fmt.Errorf("decode export result: %w", err)
		}
		if r.File == "" {
			return "", errors.New("export result names no file")
		}
		return r.File, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		o.logger.Debug("joined in-flight export", "request", p.req.ID, "work", key)
	}
	p.exported = file
	return StateDownloading, nil
}

// download brings the artifact into the local cache, validates it, and
// then re-checks the target since it may have changed during export.
func (o *Orchestrator) download(ctx context.Context, p *pipeline) (State, error) {
	origin := node.ID("url")
	if p.src != nil {
		origin = p.src.Info().ID
	}
	key := stageKey{op: "download", node: origin, artifact: p.cacheID, version: p.req.Version.Unix()}
	src, id, version, exported, sourceURL := p.src, p.cacheID, p.req.Version, p.exported, p.req.SourceURL

	entry, _, err := o.downloads.Do(ctx, key, func(ctx context.Context) (cache.Entry, error) {
		if e, ok := o.cache.Lookup(id, version); ok {
			return e, nil
		}
		w, err := o.cache.Create(id, version)
		if err != nil {
			return cache.Entry{}, err
		}
		switch {
		case src == nil:
			err = o.fetcher.Fetch(ctx, sourceURL, w)
		case exported == "":
			err = errors.New("artifact not cached and no export to download")
		default:
			err = src.Download(ctx, exported, w)
		}
		if err != nil {
			w.Discard()
			return cache.Entry{}, fmt.Errorf("download: %w", err)
		}
		if err := w.Commit(); err != nil {
			return cache.Entry{}, err
		}
		if err := o.cache.Validate(id, version); err != nil {
			return cache.Entry{}, &Error{Code: CodeTransfer, Message: "downloaded file failed validation", Err: err}
		}
		e, ok := o.cache.Lookup(id, version)
		if !ok {
			return cache.Entry{}, errors.New("downloaded file vanished from cache")
		}
		return e, nil
	})
	if err != nil {
		return "", err
	}
	p.entry = entry

	done, err := o.checkTarget(ctx, p)
	if err != nil {
		return "", err
	}
	switch {
	case done:
		return StateAvailable, nil
	case len(p.stale) > 0:
		return StateRemoving, nil
	}
	return StateUploading, nil
}

// remove deletes the stale copies on the target. Already gone is fine.
func (o *Orchestrator) remove(ctx context.Context, p *pipeline) (State, error) {
	for len(p.stale) > 0 {
		a := p.stale[0]
		if err := p.dst.DeleteArtifact(ctx, a.ID); err != nil && !errors.Is(err, node.ErrNotFound) {
			return "", fmt.Errorf("delete stale artifact %s: %w", a.ID, err)
		}
		o.logger.Info("removed stale artifact", "request", p.req.ID, "key", p.req.Key(), "artifact", a.ID)
		p.stale = p.stale[1:]
	}
	return StateUploading, nil
}

func (o *Orchestrator) upload(ctx context.Context, p *pipeline) (State, error) {
	key := stageKey{op: "upload", node: p.req.Target, artifact: p.req.ArtifactID, version: p.req.Version.Unix()}
	dst, path := p.dst, p.entry.Path

	_, _, err := o.uploads.Do(ctx, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, node.UploadFile(ctx, dst, path, filepath.Base(path), o.cfg.ChunkSize)
	})
	if err != nil {
		return "", err
	}
	return StateImporting, nil
}

// importArtifact imports the uploaded file under the target name. If the
// target assigns its own ID the request is rekeyed to it.
func (o *Orchestrator) importArtifact(ctx context.Context, p *pipeline) (State, error) {
	job, err := p.dst.SubmitImport(ctx, node.ImportRequest{
		File:            filepath.Base(p.entry.Path),
		Name:            p.req.TargetName,
		ID:              p.sourceID,
		EnforcementMode: p.req.EnforcementMode,
		LastChanged:     p.req.Version,
	})
	if err != nil {
		return "", fmt.Errorf("submit import: %w", err)
	}
	result, err := o.poller.AwaitCompletion(ctx, p.dst, job, o.cfg.PollInterval, o.cfg.ImportTimeout)
	if err != nil {
		return "", err
	}
	var r node.ImportResult
	if err := json.Unmarshal(result, &r); err != nil {
		return "", fmt.Errorf("decode import result: %w", err)
	}
	if r.ID == "" {
		return "", errors.New("import result names no artifact")
	}

	if r.ID != p.req.ArtifactID {
		from := p.req.Key()
		to := Key{Target: p.req.Target, Artifact: r.ID}
		if err := o.registry.Rekey(from, to); err != nil {
			return "", err
		}
		p.req.ArtifactID = r.ID
		o.logger.Info("target assigned new artifact id", "request", p.req.ID, "from", from, "to", to)
	}
	return StateApplying, nil
}

func (o *Orchestrator) apply(ctx context.Context, p *pipeline) (State, error) {
	job, err := p.dst.SubmitApply(ctx, p.req.ArtifactID)
	if err != nil {
		return "", fmt.Errorf("submit apply: %w", err)
	}
	if _, err := o.poller.AwaitCompletion(ctx, p.dst, job, o.cfg.PollInterval, o.cfg.ApplyTimeout); err != nil {
		return "", err
	}
	return StateAvailable, nil
}
