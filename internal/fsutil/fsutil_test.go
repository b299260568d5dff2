package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")

	if err := WriteFileAtomic(path, []byte(`{"state":"idle"}`), 0644); err != nil {
		t.Fatal("first write failed:", err)
	}

	// Overwrite must fully replace the previous content.
	if err := WriteFileAtomic(path, []byte(`{"state":"syncing","phase":"scan"}`), 0644); err != nil {
		t.Fatal("second write failed:", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"state":"syncing","phase":"scan"}` {
		t.Errorf("unexpected content: %s", data)
	}

	// No temp files may survive a successful write.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}

func TestWriteFileAtomicCreatesParent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "data", "logs", "marker.txt")

	if err := WriteFileAtomic(path, []byte("ok"), 0600); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}
}

func TestDirSyncRejectsTraversal(t *testing.T) {
	t.Parallel()

	if err := DirSync("foo/../../bar"); err == nil {
		t.Error("expected error for traversal path")
	}
}
