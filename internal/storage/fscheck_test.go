package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestDetectFilesystemWith(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		fsType     string
		err        error
		wantType   string
		wantRemote bool
	}{
		{name: "ext4", fsType: "ext4", wantType: "ext4"},
		{name: "unnamed magic", fsType: "0x1234", wantType: "0x1234"},
		{name: "nfs", fsType: "nfs", wantType: "nfs", wantRemote: true},
		{name: "smb uppercase", fsType: "SMBFS", wantType: "SMBFS", wantRemote: true},
		{name: "unsupported platform", err: errors.ErrUnsupported},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dbPath := filepath.Join(t.TempDir(), "journal.db")
			fs, err := detectFilesystemWith(dbPath, func(string) (string, error) {
				return tc.fsType, tc.err
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if fs.Type != tc.wantType || fs.Remote != tc.wantRemote {
				t.Fatalf("got %+v, want type %q remote %v", fs, tc.wantType, tc.wantRemote)
			}
		})
	}
}

func TestDetectFilesystemReportsStatfsFailure(t *testing.T) {
	t.Parallel()

	_, err := detectFilesystemWith(filepath.Join(t.TempDir(), "journal.db"), func(string) (string, error) {
		return "", errors.New("permission denied")
	})
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("err = %v, want detector failure", err)
	}
}

func TestDetectFilesystemProbesNearestParent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := filepath.Join(root, "not", "yet", "journal.db")

	fs, err := detectFilesystemWith(dbPath, func(path string) (string, error) {
		return "apfs", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.Probe != root {
		t.Fatalf("probed %q, want nearest existing parent %q", fs.Probe, root)
	}
}

func TestDetectFilesystemEmptyPath(t *testing.T) {
	t.Parallel()
	if _, err := DetectFilesystem(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestCheckLocalRejectsRemote(t *testing.T) {
	t.Parallel()

	if err := checkLocal("/data/journal.db", Filesystem{Type: "ext4"}); err != nil {
		t.Fatalf("local filesystem rejected: %v", err)
	}
	err := checkLocal("/mnt/share/journal.db", Filesystem{Type: "nfs", Remote: true})
	if err == nil {
		t.Fatal("expected network filesystem error")
	}
	for _, want := range []string{"nfs", "state.path", "--no-journal"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestDetectFilesystemOnTempDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fs, err := DetectFilesystem(filepath.Join(dir, "journal.db"))
	if err != nil {
		t.Fatalf("DetectFilesystem: %v", err)
	}
	if fs.Remote {
		t.Fatalf("temp dir reported as remote: %+v", fs)
	}
	db, err := OpenSQLite(context.Background(), filepath.Join(dir, "journal.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	_ = db.Close()
}
