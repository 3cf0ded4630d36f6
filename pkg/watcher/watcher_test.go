package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"sshsync/pkg/sshconfig"
	"sshsync/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupWatcher(t *testing.T) (*Watcher, *sshconfig.File) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config")
	file := sshconfig.New(path, zaptest.NewLogger(t))
	_, err := file.Ensure("")
	require.NoError(t, err)

	w := New(file, zaptest.NewLogger(t))
	require.NoError(t, w.Start())
	t.Cleanup(func() { w.Stop() })

	return w, file
}

// edit replaces the file through a rename, like most editors
func edit(t *testing.T, path, conf string, mtime time.Time) {
	t.Helper()
	tmp := path + ".swp"
	require.NoError(t, os.WriteFile(tmp, []byte(conf), 0600))
	require.NoError(t, os.Chtimes(tmp, mtime, mtime))
	require.NoError(t, os.Rename(tmp, path))
}

func expectChange(t *testing.T, w *Watcher, conf string) types.ConfigState {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case state := <-w.Changes():
			if state.Conf == conf {
				return state
			}
		case <-deadline:
			t.Fatalf("no change with content %q", conf)
		}
	}
}

func expectQuiet(t *testing.T, w *Watcher, d time.Duration) {
	t.Helper()
	select {
	case state := <-w.Changes():
		t.Fatalf("unexpected change: %q at %s", state.Conf, state.Mtime)
	case <-time.After(d):
	}
}

func TestWatcher_DetectsEdit(t *testing.T) {
	w, file := setupWatcher(t)

	mtime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	edit(t, file.Path(), "Host a\n", mtime)

	state := expectChange(t, w, "Host a\n")
	assert.True(t, state.Mtime.Equal(mtime))
}

func TestWatcher_IgnoresUnchangedMtime(t *testing.T) {
	w, file := setupWatcher(t)

	// Touching with the current mtime only produces attribute events
	require.NoError(t, os.Chtimes(file.Path(), types.Epoch, types.Epoch))
	require.NoError(t, os.Chmod(file.Path(), 0600))

	expectQuiet(t, w, 300*time.Millisecond)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	w, file := setupWatcher(t)

	other := filepath.Join(filepath.Dir(file.Path()), "known_hosts")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0600))

	expectQuiet(t, w, 300*time.Millisecond)
}

func TestWatcher_SuspendHidesWrites(t *testing.T) {
	w, file := setupWatcher(t)

	applied := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	err := w.Suspend(func() error {
		return file.Write(types.ConfigState{Conf: "Host remote\n", Mtime: applied})
	})
	require.NoError(t, err)

	expectQuiet(t, w, 300*time.Millisecond)

	// The watcher is live again after Suspend
	edited := applied.Add(time.Minute)
	edit(t, file.Path(), "Host local\n", edited)

	state := expectChange(t, w, "Host local\n")
	assert.True(t, state.Mtime.Equal(edited))
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, _ := setupWatcher(t)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
	require.NoError(t, w.Start())
	require.NoError(t, w.Start())
}

func TestWatcher_StartFromReportsMissedEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	file := sshconfig.New(path, zaptest.NewLogger(t))
	_, err := file.Ensure("")
	require.NoError(t, err)

	seen, err := file.Read()
	require.NoError(t, err)

	// Edited after the caller read the file but before watching started
	mtime := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)
	edit(t, path, "Host late\n", mtime)

	w := New(file, zaptest.NewLogger(t))
	require.NoError(t, w.StartFrom(seen.Mtime))
	t.Cleanup(func() { w.Stop() })

	state := expectChange(t, w, "Host late\n")
	assert.True(t, state.Mtime.Equal(mtime))
	expectQuiet(t, w, 200*time.Millisecond)
}

func TestWatcher_StartFromCurrentIsQuiet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	file := sshconfig.New(path, zaptest.NewLogger(t))
	_, err := file.Ensure("")
	require.NoError(t, err)

	seen, err := file.Read()
	require.NoError(t, err)

	w := New(file, zaptest.NewLogger(t))
	require.NoError(t, w.StartFrom(seen.Mtime))
	t.Cleanup(func() { w.Stop() })

	expectQuiet(t, w, 200*time.Millisecond)
}
