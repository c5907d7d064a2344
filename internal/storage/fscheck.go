package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem describes what backs a journal path.
type Filesystem struct {
	// Probe is the existing path that was inspected: the journal file itself
	// or its closest existing parent.
	Probe string `json:"probe"`
	// Type is the platform's name for the filesystem, or "" when it could
	// not be determined.
	Type string `json:"type,omitempty"`
	// Remote is set for network filesystems, where SQLite locking is unreliable.
	Remote bool `json:"remote"`
}

var remoteFilesystems = map[string]bool{
	"afpfs":  true,
	"cifs":   true,
	"nfs":    true,
	"smbfs":  true,
	"smb2":   true,
	"webdav": true,
}

// DetectFilesystem reports the filesystem that holds path, which need not
// exist yet. On platforms that cannot tell, Type is empty and Remote false.
func DetectFilesystem(path string) (Filesystem, error) {
	return detectFilesystemWith(path, filesystemType)
}

func detectFilesystemWith(path string, detect func(string) (string, error)) (Filesystem, error) {
	if path == "" {
		return Filesystem{}, errors.New("journal path is empty")
	}
	probe, err := existingAncestor(path)
	if err != nil {
		return Filesystem{}, fmt.Errorf("resolve journal path %q: %w", path, err)
	}

	fs := Filesystem{Probe: probe}
	fsType, err := detect(probe)
	if errors.Is(err, errors.ErrUnsupported) {
		return fs, nil
	}
	if err != nil {
		return Filesystem{}, fmt.Errorf("detect filesystem for %q: %w", probe, err)
	}
	fs.Type = fsType
	fs.Remote = remoteFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return fs, nil
}

// checkLocal refuses journals on network filesystems.
func checkLocal(path string, fs Filesystem) error {
	if fs.Remote {
		return fmt.Errorf("journal path %q is on network filesystem %q; point state.path at a local disk or run with --no-journal", path, fs.Type)
	}
	return nil
}

// existingAncestor returns path itself or its closest parent that exists.
func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for dir := abs; ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		if filepath.Dir(dir) == dir {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
	}
}
