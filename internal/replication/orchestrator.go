package replication

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/policysync/internal/cache"
	"github.com/roach88/policysync/internal/coalesce"
	"github.com/roach88/policysync/internal/node"
	"github.com/roach88/policysync/internal/poller"
	"github.com/roach88/policysync/internal/store"
)

// Journal persists transitions. *store.Store satisfies it.
type Journal interface {
	AppendTransition(ctx context.Context, t store.Transition) error
}

// Config holds the orchestrator's tunables. Zero values take the package
// defaults of the poller and node packages.
type Config struct {
	PollInterval  time.Duration
	ExportTimeout time.Duration
	ImportTimeout time.Duration
	ApplyTimeout  time.Duration
	ChunkSize     int
	URLSchemes    []string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = poller.DefaultInterval
	}
	if c.ExportTimeout <= 0 {
		c.ExportTimeout = poller.DefaultExportTimeout
	}
	if c.ImportTimeout <= 0 {
		c.ImportTimeout = poller.DefaultImportTimeout
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = poller.DefaultApplyTimeout
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = node.DefaultChunkSize
	}
	if len(c.URLSchemes) == 0 {
		c.URLSchemes = node.DefaultURLSchemes
	}
	return c
}

// Orchestrator accepts replication requests and drives each one through
// export, download, upload, import and apply.
//
// Requests run concurrently, one goroutine each. Work shared by several
// requests (exporting or downloading the same artifact version, uploading
// the same artifact to the same target) is coalesced so it runs once.
type Orchestrator struct {
	resolver node.Resolver
	cache    *cache.Cache
	registry *Registry
	checker  node.CompatibilityChecker
	poller   *poller.Poller
	fetcher  *node.Fetcher
	journal  Journal
	clock    *Clock
	ids      IDGenerator
	now      func() time.Time
	logger   *slog.Logger
	cfg      Config

	observers []func(Transition)

	exports   *coalesce.Group[stageKey, string]
	downloads *coalesce.Group[stageKey, cache.Entry]
	uploads   *coalesce.Group[stageKey, struct{}]

	queue *intakeQueue
	wg    sync.WaitGroup

	// base bounds coalesced work, which outlives any single request's
	// context. It is cancelled when Run returns.
	base       context.Context
	cancelBase context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig sets timeouts, chunk size and URL schemes.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithRegistry shares a registry, e.g. with a status surface.
func WithRegistry(r *Registry) Option {
	return func(o *Orchestrator) { o.registry = r }
}

// WithPoller replaces the job poller.
func WithPoller(p *poller.Poller) Option {
	return func(o *Orchestrator) { o.poller = p }
}

// WithFetcher replaces the URL fetcher. Its scheme allow-list is used
// as-is; Config.URLSchemes still governs submission validation.
func WithFetcher(f *node.Fetcher) Option {
	return func(o *Orchestrator) { o.fetcher = f }
}

// WithJournal records every transition to j.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithCompatibility replaces the version compatibility check.
func WithCompatibility(c node.CompatibilityChecker) Option {
	return func(o *Orchestrator) { o.checker = c }
}

// WithClock sets the sequence clock, e.g. one resumed from the journal.
func WithClock(c *Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithIDGenerator sets the request ID generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *Orchestrator) { o.ids = g }
}

// WithNow replaces the wall clock used for timestamps.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithObserver registers fn to be called synchronously after every
// transition. fn may be called from several goroutines at once.
func WithObserver(fn func(Transition)) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, fn) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator. Call Run to start processing.
func New(resolver node.Resolver, c *cache.Cache, opts ...Option) *Orchestrator {
	base, cancelBase := context.WithCancel(context.Background())
	o := &Orchestrator{
		resolver:   resolver,
		cache:      c,
		checker:    node.MajorVersionChecker{},
		ids:        UUIDv7Generator{},
		now:        time.Now,
		logger:     slog.Default(),
		exports:    coalesce.New[stageKey, string](coalesce.WithBaseContext(base)),
		downloads:  coalesce.New[stageKey, cache.Entry](coalesce.WithBaseContext(base)),
		uploads:    coalesce.New[stageKey, struct{}](coalesce.WithBaseContext(base)),
		queue:      newIntakeQueue(),
		base:       base,
		cancelBase: cancelBase,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.cfg = o.cfg.withDefaults()
	if o.registry == nil {
		o.registry = NewRegistry()
	}
	if o.clock == nil {
		o.clock = NewClock()
	}
	if o.poller == nil {
		o.poller = poller.New(poller.WithLogger(o.logger))
	}
	if o.fetcher == nil {
		o.fetcher = node.NewFetcher(nil, o.cfg.URLSchemes)
	}
	return o
}

// Registry returns the orchestrator's request registry.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Submit validates sub and starts one request per target.
//
// Validation, node resolution, artifact lookup and version compatibility
// are checked before anything is tracked; if any target fails, no request
// is created. Returns snapshots of the new requests in REQUESTED.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) ([]Request, error) {
	targets, err := validate(sub, o.cfg.URLSchemes)
	if err != nil {
		return nil, err
	}

	var (
		src      node.Client
		artifact node.Artifact
		cacheID  string
	)
	if sub.SourceURL != "" {
		name := sub.TargetName
		if name == "" {
			name = sub.ArtifactName
		}
		version := sub.Version
		if version.IsZero() {
			version = o.now()
		}
		artifact = node.Artifact{ID: urlArtifactID(sub.SourceURL), Name: name, LastChanged: version}
		cacheID = artifact.ID
	} else {
		src, err = o.resolve(ctx, sub.SourceNode)
		if err != nil {
			return nil, err
		}
		ref := sub.ArtifactID
		if ref == "" {
			ref = sub.ArtifactName
		}
		artifact, err = src.LookupArtifact(ctx, ref)
		if err != nil {
			if errors.Is(err, node.ErrNotFound) {
				return nil, &Error{Code: CodeArtifactNotFound, Message: fmt.Sprintf("%q on %s", ref, sub.SourceNode), Err: err}
			}
			return nil, &Error{Code: CodeTransfer, Message: fmt.Sprintf("lookup %q on %s", ref, sub.SourceNode), Err: err}
		}
		if sub.ArtifactID == "" && !node.SameName(artifact.Name, sub.ArtifactName) {
			return nil, &Error{Code: CodeArtifactNotFound, Message: fmt.Sprintf("%q on %s", ref, sub.SourceNode)}
		}
		cacheID = artifact.ID
	}

	dsts := make([]node.Client, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range targets {
		g.Go(func() error {
			dst, err := o.resolve(gctx, id)
			if err != nil {
				return err
			}
			if src != nil {
				if err := o.checker.Compatible(src.Info(), dst.Info()); err != nil {
					return &Error{Code: CodeVersionIncompatible, Key: Key{Target: id, Artifact: artifact.ID}, Err: err}
				}
			}
			dsts[i] = dst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	targetName := sub.TargetName
	if targetName == "" {
		targetName = artifact.Name
	}
	mode := sub.EnforcementMode
	if mode == "" {
		mode = artifact.EnforcementMode
	}
	now := o.now()
	version := artifact.LastChanged.UTC().Truncate(time.Second)

	reqs := make([]Request, len(targets))
	pipes := make([]*pipeline, len(targets))
	for i, id := range targets {
		reqs[i] = Request{
			ID:              o.ids.Generate(),
			Target:          id,
			ArtifactID:      artifact.ID,
			SourceName:      artifact.Name,
			TargetName:      targetName,
			EnforcementMode: mode,
			Source:          sub.SourceNode,
			SourceURL:       sub.SourceURL,
			Version:         version,
			State:           StateRequested,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		pipes[i] = &pipeline{req: reqs[i], src: src, dst: dsts[i], cacheID: cacheID}
		if src != nil {
			pipes[i].sourceID = artifact.ID
		}
	}

	if o.queue.Closed() {
		return nil, ErrStopped
	}
	if err := o.registry.Insert(reqs...); err != nil {
		return nil, err
	}
	for i, p := range pipes {
		o.record(ctx, reqs[i], StateRequested, "")
		if !o.queue.Enqueue(p) {
			for _, r := range reqs[i:] {
				o.registry.Remove(r.Key())
			}
			return nil, ErrStopped
		}
	}
	return reqs, nil
}

// validate checks sub's shape and returns its deduplicated targets.
func validate(sub Submission, schemes []string) ([]node.ID, error) {
	switch {
	case sub.SourceNode == "" && sub.SourceURL == "":
		return nil, validationError("one of source_node or source_url is required")
	case sub.SourceNode != "" && sub.SourceURL != "":
		return nil, validationError("source_node and source_url are mutually exclusive")
	}
	if sub.SourceURL != "" {
		if sub.TargetName == "" && sub.ArtifactName == "" {
			return nil, validationError("target_name is required for url imports")
		}
		if _, err := node.CheckScheme(sub.SourceURL, schemes); err != nil {
			return nil, &Error{Code: CodeValidation, Message: "source_url", Err: err}
		}
	} else {
		switch {
		case sub.ArtifactID == "" && sub.ArtifactName == "":
			return nil, validationError("one of artifact_id or artifact_name is required")
		case sub.ArtifactID != "" && sub.ArtifactName != "":
			return nil, validationError("artifact_id and artifact_name are mutually exclusive")
		}
	}

	var targets []node.ID
	for _, t := range sub.Targets {
		if t == "" {
			return nil, validationError("empty target node")
		}
		if t == sub.SourceNode {
			return nil, validationError("target %s is the source node", t)
		}
		if !slices.Contains(targets, t) {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		return nil, validationError("at least one target node is required")
	}
	return targets, nil
}

// urlArtifactID derives a stable artifact ID for a URL import.
func urlArtifactID(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return "url-" + hex.EncodeToString(sum[:6])
}

func (o *Orchestrator) resolve(ctx context.Context, id node.ID) (node.Client, error) {
	c, err := o.resolver.Resolve(ctx, id)
	if err != nil {
		return nil, &Error{Code: CodeResolution, Message: string(id), Err: err}
	}
	return c, nil
}

// Run processes submitted requests until ctx is cancelled or Stop is
// called. After Stop it waits for in-flight requests and returns nil;
// after cancellation it returns ctx.Err() once in-flight requests have
// unwound. Either way no shared export, download or upload is left
// running when Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.shutdown()
	for {
		for {
			p, ok := o.queue.TryDequeue()
			if !ok {
				break
			}
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				o.execute(ctx, p)
			}()
		}
		if o.queue.Drained() {
			return nil
		}

		select {
		case <-ctx.Done():
			o.queue.Close()
			return ctx.Err()
		case <-o.queue.Wait():
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.wg.Wait()
	o.cancelBase()
	o.exports.Wait()
	o.downloads.Wait()
	o.uploads.Wait()
}

// Stop stops accepting submissions. Run returns once queued and in-flight
// requests finish.
func (o *Orchestrator) Stop() {
	o.queue.Close()
}

// Status lists target's artifacts: tracked requests first, oldest first,
// then artifacts already on the node, reported as AVAILABLE. A live
// artifact sharing an ID or a name with a tracked request is left out.
//
// Only an unknown target is an error. If the node cannot be listed the
// tracked requests are still returned and the failure is reported in
// NodeStatus.LiveError.
func (o *Orchestrator) Status(ctx context.Context, target node.ID) (NodeStatus, error) {
	dst, err := o.resolve(ctx, target)
	if err != nil {
		return NodeStatus{}, err
	}
	st := NodeStatus{Node: target}
	live, err := dst.ListArtifacts(ctx)
	if err != nil {
		st.LiveError = (&Error{Code: CodeTransfer, Message: fmt.Sprintf("list artifacts on %s", target), Err: err}).Error()
		o.logger.Warn("status without live artifacts", "target", target, "error", err)
		live = nil
	}

	tracked := o.registry.Get(target)
	out := make([]StatusEntry, 0, len(tracked)+len(live))
	ids := make(map[string]bool, len(tracked))
	names := make(map[string]bool, len(tracked))
	for _, r := range tracked {
		ids[r.ArtifactID] = true
		names[node.NormalizeName(r.TargetName)] = true
		out = append(out, StatusEntry{
			ID:              r.ArtifactID,
			Name:            r.TargetName,
			State:           r.State,
			Error:           r.Error,
			EnforcementMode: r.EnforcementMode,
			LastChanged:     r.Version,
			RequestID:       r.ID,
		})
	}

	sort.Slice(live, func(i, j int) bool {
		if live[i].Name != live[j].Name {
			return live[i].Name < live[j].Name
		}
		return live[i].ID < live[j].ID
	})
	for _, a := range live {
		if ids[a.ID] || names[node.NormalizeName(a.Name)] {
			continue
		}
		out = append(out, StatusEntry{
			ID:              a.ID,
			Name:            a.Name,
			State:           StateAvailable,
			EnforcementMode: a.EnforcementMode,
			LastChanged:     a.LastChanged,
		})
	}
	st.Policies = out
	return st, nil
}

// Delete removes artifactID from target. A request for the key in ERROR is
// cleared instead, without touching the node. A request still in flight
// yields a conflict and nothing changes.
func (o *Orchestrator) Delete(ctx context.Context, target node.ID, artifactID string) error {
	key := Key{Target: target, Artifact: artifactID}
	cleared, err := o.registry.Clear(key)
	if err != nil {
		return err
	}
	if cleared {
		o.logger.Info("cleared failed replication", "key", key)
		return nil
	}

	dst, err := o.resolve(ctx, target)
	if err != nil {
		return err
	}
	if err := dst.DeleteArtifact(ctx, artifactID); err != nil {
		if errors.Is(err, node.ErrNotFound) {
			return &Error{Code: CodeArtifactNotFound, Key: key, Err: err}
		}
		return &Error{Code: CodeTransfer, Key: key, Message: "delete", Err: err}
	}
	o.logger.Info("deleted artifact", "key", key)
	return nil
}

// record stamps, journals and publishes a transition of req into state.
func (o *Orchestrator) record(ctx context.Context, req Request, state State, detail string) {
	t := Transition{
		Seq:       o.clock.Next(),
		RequestID: req.ID,
		Key:       req.Key(),
		Name:      req.TargetName,
		State:     state,
		Error:     detail,
		At:        o.now(),
	}

	if state == StateError {
		o.logger.Error("replication failed", "request", t.RequestID, "key", t.Key, "error", detail)
	} else {
		o.logger.Info("replication transition", "request", t.RequestID, "key", t.Key, "state", state, "seq", t.Seq)
	}

	if o.journal != nil {
		err := o.journal.AppendTransition(context.WithoutCancel(ctx), store.Transition{
			Seq:       t.Seq,
			RequestID: t.RequestID,
			Target:    string(t.Key.Target),
			Artifact:  t.Key.Artifact,
			Name:      t.Name,
			State:     string(t.State),
			Detail:    t.Error,
			At:        t.At,
		})
		if err != nil {
			o.logger.Warn("failed to journal transition", "request", t.RequestID, "seq", t.Seq, "error", err)
		}
	}

	for _, fn := range o.observers {
		fn(t)
	}
}
