package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/policysync/internal/cache"
	"github.com/roach88/policysync/internal/node"
	"github.com/roach88/policysync/internal/poller"
)

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load("testdata/policysync.yaml")
	require.NoError(t, err)

	assert.Equal(t, ":9443", cfg.Listen)
	assert.Equal(t, "/var/lib/policysync/staging", cfg.StagingDir)
	assert.Equal(t, "/var/lib/policysync/journal.db", cfg.Journal)
	assert.Equal(t, node.ID("mgr-1"), cfg.LocalNode)
	assert.Equal(t, []string{"http", "https"}, cfg.URLSchemes)

	assert.Equal(t, 12*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, cache.DefaultSweepInterval, cfg.Cache.SweepInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Poll.Interval)
	assert.Equal(t, poller.DefaultExportTimeout, cfg.Poll.ExportTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Poll.ImportTimeout)
	assert.Equal(t, poller.DefaultApplyTimeout, cfg.Poll.ApplyTimeout)
	assert.Equal(t, 262144, cfg.Upload.ChunkSize)
	assert.Equal(t, 2*time.Minute, cfg.Transfer.Timeout)

	require.Len(t, cfg.Nodes, 2)
	assert.Equal(t, node.Info{ID: "mgr-1", URL: "https://mgr-1.internal:8443", Version: "7.2.0", Local: true}, cfg.Nodes[0])
	assert.Equal(t, node.Info{ID: "edge-1", URL: "https://edge-1.internal:8443", Version: "7.4.1", Token: "edge-secret"}, cfg.Nodes[1])
}

func TestLoad_CUE(t *testing.T) {
	cfg, err := Load("testdata/policysync.cue")
	require.NoError(t, err)

	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Empty(t, cfg.Journal)
	assert.Equal(t, []string{"https"}, cfg.URLSchemes)
	assert.Equal(t, node.DefaultChunkSize, cfg.Upload.ChunkSize)
	assert.Equal(t, cache.DefaultTTL, cfg.Cache.TTL)
	assert.Equal(t, node.DefaultTransferTimeout, cfg.Transfer.Timeout)
	assert.Len(t, cfg.Nodes, 2)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

const validNodes = `
nodes:
  - id: mgr-1
    url: https://mgr-1:8443
    version: "7.2"
`

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", ``, "empty"},
		{"unknown key", "staging_dir: /s\nlocal_node: mgr-1\ncolour: blue\n" + validNodes, "colour"},
		{"missing staging dir", "local_node: mgr-1\n" + validNodes, "staging_dir"},
		{"no nodes", "staging_dir: /s\nlocal_node: mgr-1\nnodes: []\n", "nodes"},
		{"bad node url", "staging_dir: /s\nlocal_node: mgr-1\nnodes:\n  - {id: mgr-1, url: 'ftp://x', version: '7'}\n", "url"},
		{"bad scheme list", "staging_dir: /s\nlocal_node: mgr-1\nurl_schemes: [gopher]\n" + validNodes, "url_schemes"},
		{"bad duration", "staging_dir: /s\nlocal_node: mgr-1\npoll:\n  interval: 5 minutes\n" + validNodes, "poll.interval"},
		{"zero transfer timeout", "staging_dir: /s\nlocal_node: mgr-1\ntransfer:\n  timeout: 0s\n" + validNodes, "transfer.timeout"},
		{"zero chunk", "staging_dir: /s\nlocal_node: mgr-1\nupload:\n  chunk_size: 0\n" + validNodes, "chunk_size"},
		{"unknown local node", "staging_dir: /s\nlocal_node: mgr-2\n" + validNodes, "local_node"},
		{"duplicate node", "staging_dir: /s\nlocal_node: mgr-1\nnodes:\n  - {id: mgr-1, url: 'https://a', version: '7'}\n  - {id: mgr-1, url: 'https://b', version: '7'}\n", "duplicate node"},
		{"malformed yaml", "staging_dir: [unclosed\n", "config.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), false, "config.yaml")
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
