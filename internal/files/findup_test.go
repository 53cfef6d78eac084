package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", ".openclaw"), 0o755))
	want := filepath.Join(root, "a", ".openclaw", "openclaw.json")
	require.NoError(t, os.WriteFile(want, []byte("{}"), 0o600))

	got, err := FindUp(".openclaw/openclaw.json", deep)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = FindUp(".openclaw/missing.json", deep)
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestFindUpSkipsFileInPath(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".openclaw"), []byte("not a dir"), 0o600))

	got, err := FindUp(".openclaw/openclaw.json", root)
	require.NoError(t, err)
	assert.Equal(t, "", got)
}
