package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// remoteFilesystems lists filesystem types on which SQLite's file locking
// cannot be trusted.
var remoteFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"nfs4":   {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// CheckLocalFilesystem rejects database paths on network filesystems.
// Platforms without detection support pass.
func CheckLocalFilesystem(path string) error {
	return checkLocalFilesystem(path, detectFilesystemType)
}

func checkLocalFilesystem(path string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	existing, err := closestExistingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	fsType, err := detect(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if fsType == "" {
		return nil
	}

	if isRemoteFilesystem(fsType) {
		return fmt.Errorf(
			"state database %q is on network filesystem %q; the job queue needs local disk for reliable locking. Point state.path at a local file",
			path,
			fsType,
		)
	}
	return nil
}

// closestExistingAncestor walks up from path until it finds something that exists.
func closestExistingAncestor(path string) (string, error) {
	current, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	for {
		if _, err := os.Stat(current); err == nil {
			return current, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", current, err)
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		current = parent
	}
}

func isRemoteFilesystem(fsType string) bool {
	_, found := remoteFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return found
}
