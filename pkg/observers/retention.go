package observers

import (
	"errors"
	"os"
	"path/filepath"
	"time"
)

// PurgeArtifacts deletes call artifacts in dir whose modification time
// is at least maxAge in the past and reports how many were removed.
// Subdirectories are left alone. A zero or negative maxAge disables
// retention entirely.
func PurgeArtifacts(dir string, maxAge time.Duration) (int, error) {
	if dir == "" || maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var failures error
	for _, entry := range entries {
		ok, err := purgeEntry(dir, entry, cutoff)
		if err != nil {
			failures = errors.Join(failures, err)
		}
		if ok {
			removed++
		}
	}
	return removed, failures
}

func purgeEntry(dir string, entry os.DirEntry, cutoff time.Time) (bool, error) {
	if entry.IsDir() {
		return false, nil
	}
	info, err := entry.Info()
	if err != nil {
		return false, err
	}
	if info.ModTime().After(cutoff) {
		return false, nil
	}
	if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
		return false, err
	}
	return true, nil
}
