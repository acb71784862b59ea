// Package config loads policysync configuration from YAML or CUE files.
//
// Every file is checked against an embedded CUE schema before it is
// decoded, so unknown keys, missing required keys and malformed values are
// reported together with their paths. Unset optional values take the
// package defaults.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/policysync/internal/cache"
	"github.com/roach88/policysync/internal/node"
	"github.com/roach88/policysync/internal/poller"
)

//go:embed schema.cue
var schemaCUE string

// DefaultListen is the API listen address.
const DefaultListen = ":8443"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is a loaded, validated configuration with defaults applied.
type Config struct {
	Listen     string
	StagingDir string

	// Journal is the SQLite path for the transition journal. Empty
	// disables journaling.
	Journal string

	LocalNode  node.ID
	URLSchemes []string
	Cache      CacheConfig
	Poll       PollConfig
	Upload     UploadConfig
	Transfer   TransferConfig
	Nodes      []node.Info
}

type CacheConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

type PollConfig struct {
	Interval      time.Duration
	ExportTimeout time.Duration
	ImportTimeout time.Duration
	ApplyTimeout  time.Duration
}

type UploadConfig struct {
	ChunkSize int
}

// TransferConfig bounds each HTTP request to a node or import URL,
// including reading the body of a download.
type TransferConfig struct {
	Timeout time.Duration
}

// raw mirrors the file layout. Durations stay strings until resolve.
type raw struct {
	Listen     string   `json:"listen"`
	StagingDir string   `json:"staging_dir"`
	Journal    string   `json:"journal"`
	LocalNode  string   `json:"local_node"`
	URLSchemes []string `json:"url_schemes"`
	Cache      struct {
		TTL           string `json:"ttl"`
		SweepInterval string `json:"sweep_interval"`
	} `json:"cache"`
	Poll struct {
		Interval      string `json:"interval"`
		ExportTimeout string `json:"export_timeout"`
		ImportTimeout string `json:"import_timeout"`
		ApplyTimeout  string `json:"apply_timeout"`
	} `json:"poll"`
	Upload struct {
		ChunkSize int `json:"chunk_size"`
	} `json:"upload"`
	Transfer struct {
		Timeout string `json:"timeout"`
	} `json:"transfer"`
	Nodes []struct {
		ID      string `json:"id"`
		URL     string `json:"url"`
		Version string `json:"version"`
		Token   string `json:"token"`
	} `json:"nodes"`
}

// Load reads and validates the configuration at path. Files ending in
// .cue are read as CUE; anything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".cue"), path)
}

// Parse validates data, which is CUE if isCUE is set and YAML otherwise.
// name labels error positions.
func Parse(data []byte, isCUE bool, name string) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue")).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	var doc cue.Value
	if isCUE {
		doc = ctx.CompileBytes(data, cue.Filename(name))
	} else {
		var m map[string]any
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
		if m == nil {
			return nil, fmt.Errorf("%w: %s is empty", ErrInvalid, name)
		}
		doc = ctx.Encode(m)
	}
	if err := doc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, cueerrors.Details(err, nil))
	}

	v := schema.Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.TrimSpace(cueerrors.Details(err, nil)))
	}

	var r raw
	if err := v.Decode(&r); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalid, err)
	}
	return r.resolve()
}

func (r raw) resolve() (*Config, error) {
	cfg := &Config{
		Listen:     r.Listen,
		StagingDir: r.StagingDir,
		Journal:    r.Journal,
		LocalNode:  node.ID(r.LocalNode),
		URLSchemes: r.URLSchemes,
		Upload:     UploadConfig{ChunkSize: r.Upload.ChunkSize},
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if len(cfg.URLSchemes) == 0 {
		cfg.URLSchemes = append([]string(nil), node.DefaultURLSchemes...)
	}
	if cfg.Upload.ChunkSize == 0 {
		cfg.Upload.ChunkSize = node.DefaultChunkSize
	}

	durations := []struct {
		key  string
		in   string
		out  *time.Duration
		dflt time.Duration
	}{
		{"cache.ttl", r.Cache.TTL, &cfg.Cache.TTL, cache.DefaultTTL},
		{"cache.sweep_interval", r.Cache.SweepInterval, &cfg.Cache.SweepInterval, cache.DefaultSweepInterval},
		{"poll.interval", r.Poll.Interval, &cfg.Poll.Interval, poller.DefaultInterval},
		{"poll.export_timeout", r.Poll.ExportTimeout, &cfg.Poll.ExportTimeout, poller.DefaultExportTimeout},
		{"poll.import_timeout", r.Poll.ImportTimeout, &cfg.Poll.ImportTimeout, poller.DefaultImportTimeout},
		{"poll.apply_timeout", r.Poll.ApplyTimeout, &cfg.Poll.ApplyTimeout, poller.DefaultApplyTimeout},
		{"transfer.timeout", r.Transfer.Timeout, &cfg.Transfer.Timeout, node.DefaultTransferTimeout},
	}
	for _, d := range durations {
		if d.in == "" {
			*d.out = d.dflt
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, d.key, err)
		}
		if v <= 0 {
			return nil, fmt.Errorf("%w: %s must be positive", ErrInvalid, d.key)
		}
		*d.out = v
	}

	seen := make(map[node.ID]bool, len(r.Nodes))
	for _, n := range r.Nodes {
		id := node.ID(n.ID)
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate node %q", ErrInvalid, id)
		}
		seen[id] = true
		cfg.Nodes = append(cfg.Nodes, node.Info{
			ID:      id,
			URL:     n.URL,
			Version: n.Version,
			Token:   n.Token,
			Local:   id == cfg.LocalNode,
		})
	}
	if !seen[cfg.LocalNode] {
		return nil, fmt.Errorf("%w: local_node %q is not among nodes", ErrInvalid, cfg.LocalNode)
	}
	return cfg, nil
}
