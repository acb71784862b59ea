package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe to read while a command writes to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// writeConfig writes a minimal valid config rooted in dir and returns its path.
func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	body := `listen: "127.0.0.1:0"
staging_dir: "` + filepath.Join(dir, "staging") + `"
journal: "` + filepath.Join(dir, "journal.db") + `"
local_node: S
poll:
  interval: 1ms
nodes:
  - id: S
    url: http://127.0.0.1:1
    version: 7.2.0
  - id: D1
    url: http://127.0.0.1:2
    version: 7.3.0
    token: d1-secret
` + extra
	path := filepath.Join(dir, "policysync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}
