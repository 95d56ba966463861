package control

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newWatcher(t *testing.T, base string) *Watcher {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := New(logger, base)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func touch(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestStopViaStatFallback(t *testing.T) {
	base := filepath.Join(t.TempDir(), "drcd")
	w := newWatcher(t, base)

	if w.StopRequested() {
		t.Fatal("stop reported before any notify file exists")
	}
	// The file appears without going through the event goroutine; the poll
	// path must still find it.
	touch(t, base+".notify.stop", nil)
	if !w.StopRequested() {
		t.Fatal("stop notify file not detected")
	}
}

func TestPreexistingFilesHonored(t *testing.T) {
	base := filepath.Join(t.TempDir(), "drcd")
	touch(t, base+".notify.stop", nil)
	touch(t, base+".notify.reload", nil)

	w := newWatcher(t, base)
	if !w.StopRequested() {
		t.Error("stop file present at startup was ignored")
	}
	if !w.ReloadRequested() {
		t.Error("reload file present at startup was ignored")
	}
}

func TestReloadAckCycle(t *testing.T) {
	base := filepath.Join(t.TempDir(), "drcd")
	w := newWatcher(t, base)

	reloadFile := base + ".notify.reload"
	touch(t, reloadFile, nil)
	if !w.ReloadRequested() {
		t.Fatal("empty reload file not detected")
	}

	if err := w.AckReload(); err != nil {
		t.Fatalf("AckReload failed: %v", err)
	}
	if _, err := os.Stat(reloadFile); !os.IsNotExist(err) {
		t.Error("acknowledged reload file was not removed")
	}
	if w.ReloadRequested() {
		t.Error("reload still pending after acknowledgement")
	}

	// The next empty touch starts a fresh cycle.
	touch(t, reloadFile, nil)
	if !w.ReloadRequested() {
		t.Error("fresh reload request after acknowledgement not detected")
	}
}

func TestNonEmptyReloadFileIgnored(t *testing.T) {
	base := filepath.Join(t.TempDir(), "drcd")
	w := newWatcher(t, base)

	// A file with content is a completed handshake, not a new request.
	touch(t, base+".notify.reload", []byte("DONE"))
	if w.ReloadRequested() {
		t.Error("non-empty reload file treated as a pending request")
	}
}
