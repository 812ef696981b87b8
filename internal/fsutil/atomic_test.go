package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	if err := WriteFileAtomic(dir, "state.xml", []byte("one"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := WriteFileAtomic(dir, "state.xml", []byte("two"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic (overwrite): %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "state.xml"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "two" {
		t.Errorf("content = %q, want two", got)
	}

	info, err := os.Stat(filepath.Join(dir, "state.xml"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("perm = %o, want 600", info.Mode().Perm())
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}

func TestRemoveFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "p"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	existed, err := RemoveFile(dir, "p")
	if err != nil || !existed {
		t.Fatalf("RemoveFile = %v, %v; want true, nil", existed, err)
	}
	existed, err = RemoveFile(dir, "p")
	if err != nil || existed {
		t.Errorf("second RemoveFile = %v, %v; want false, nil", existed, err)
	}
}
