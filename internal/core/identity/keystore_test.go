package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")

	first, err := LoadOrGenerate(path)
	require.NoError(t, err)

	// 新生成的文件权限 0400
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o400), fi.Mode().Perm())

	// 再次加载得到同一身份
	second, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, first.PrivateKey(), second.PrivateKey())
}

func TestLoadOrGenerateEmptyPath(t *testing.T) {
	a, err := LoadOrGenerate("")
	require.NoError(t, err)
	b, err := LoadOrGenerate("")
	require.NoError(t, err)
	// 不落盘，每次都是新身份
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestLoadOrGenerateNotRegularFile(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadOrGenerate(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a regular file")
}

func TestLoadOrGenerateCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")
	require.NoError(t, os.WriteFile(path, []byte("not-a-key-0OIl"), 0o600))

	_, err := LoadOrGenerate(path)
	assert.Error(t, err)
}
