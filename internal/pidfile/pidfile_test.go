package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readPID(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	return pid
}

func TestNew_writesOwnPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "core.pid")

	pf, err := New(path)
	require.NoError(t, err)
	defer pf.Remove()

	assert.Equal(t, os.Getpid(), readPID(t, path))

	pid, alive := Running(path)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, alive)
}

func TestNew_duplicateInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.pid")

	pf, err := New(path)
	require.NoError(t, err)
	defer pf.Remove()

	_, err = New(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunning)
}

func TestNew_replacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.pid")
	require.NoError(t, os.WriteFile(path, []byte("99999\n"), 0644))

	pf, err := New(path)
	require.NoError(t, err)
	defer pf.Remove()
	assert.Equal(t, os.Getpid(), readPID(t, path))
}

func TestNew_replacesGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.pid")
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0644))

	pf, err := New(path)
	require.NoError(t, err)
	defer pf.Remove()
	assert.Equal(t, os.Getpid(), readPID(t, path))
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.pid")
	pf, err := New(path)
	require.NoError(t, err)

	require.NoError(t, pf.Remove())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	var nilFile *PIDFile
	assert.NoError(t, nilFile.Remove())
}

func TestRemove_onlyOwnPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.pid")
	pf, err := New(path)
	require.NoError(t, err)

	other := os.Getpid() + 1
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(other)+"\n"), 0644))

	require.NoError(t, pf.Remove())
	assert.Equal(t, other, readPID(t, path), "file owned by another process is left alone")
}

func TestRunning_missing(t *testing.T) {
	pid, alive := Running(filepath.Join(t.TempDir(), "none.pid"))
	assert.Zero(t, pid)
	assert.False(t, alive)
}

func TestPath(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	assert.Equal(t, "/home/tester/.cache/qrscan/qrscan-core.pid", Path("qrscan-core"))
}

func TestIsProcessRunning(t *testing.T) {
	assert.True(t, isProcessRunning(os.Getpid()))
	assert.False(t, isProcessRunning(99999))
}
