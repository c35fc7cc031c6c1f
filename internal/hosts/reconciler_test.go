package hosts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeHostsFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestReconcileAppendsMarkersWhenAbsent(t *testing.T) {
	path := writeHostsFile(t, "127.0.0.1 localhost\n")
	r := New(path, nil)

	require.NoError(t, r.Reconcile([]string{"b.com", "a.com"}))

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(out)

	assert.Contains(t, content, "127.0.0.1 localhost")
	assert.Contains(t, content, markerStart)
	assert.Contains(t, content, markerEnd)
	assert.Contains(t, content, "127.0.0.1 a.com\n::1 a.com\n127.0.0.1 b.com\n::1 b.com\n")
}

func TestReconcileReplacesExistingManagedRegion(t *testing.T) {
	body := "before\n" + markerStart + "\nold.com\n" + markerEnd + "\nafter\n"
	path := writeHostsFile(t, body)
	r := New(path, nil)

	require.NoError(t, r.Reconcile([]string{"new.com"}))

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(out)

	assert.Contains(t, content, "before")
	assert.Contains(t, content, "after")
	assert.Contains(t, content, "127.0.0.1 new.com")
	assert.NotContains(t, content, "old.com")
}

func TestReconcileIsIdempotentNoOp(t *testing.T) {
	path := writeHostsFile(t, "")
	r := New(path, nil)

	require.NoError(t, r.Reconcile([]string{"a.com"}))
	firstWrite, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, r.Reconcile([]string{"a.com"}))
	secondWrite, err := os.Stat(path)
	require.NoError(t, err)

	assert.Equal(t, firstWrite.ModTime(), secondWrite.ModTime())
}

func TestReconcileProducesDeterministicLexicographicOrder(t *testing.T) {
	path := writeHostsFile(t, "")
	r := New(path, nil)

	require.NoError(t, r.Reconcile([]string{"zebra.com", "apple.com", "mango.com"}))

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(out)

	appleIdx := indexOf(content, "apple.com")
	mangoIdx := indexOf(content, "mango.com")
	zebraIdx := indexOf(content, "zebra.com")

	assert.True(t, appleIdx < mangoIdx)
	assert.True(t, mangoIdx < zebraIdx)
}

func TestReconcileEmptySetClearsManagedRegion(t *testing.T) {
	body := markerStart + "\n127.0.0.1 old.com\n" + markerEnd + "\n"
	path := writeHostsFile(t, body)
	r := New(path, nil)

	require.NoError(t, r.Reconcile(nil))

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(out)

	assert.NotContains(t, content, "old.com")
	assert.Contains(t, content, markerStart)
	assert.Contains(t, content, markerEnd)
}

func TestReconcilePreservesFileMode(t *testing.T) {
	path := writeHostsFile(t, "")
	require.NoError(t, os.Chmod(path, 0640))

	r := New(path, nil)
	require.NoError(t, r.Reconcile([]string{"a.com"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
