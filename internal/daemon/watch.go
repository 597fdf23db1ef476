package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Watch maps a directory to the job enqueued when files in it change.
type Watch struct {
	// Name keys the stored file state; keep it stable across restarts.
	Name string
	Dir  string
	// Exts limits the files considered, e.g. ".md". Empty watches every file.
	Exts    []string
	JobType string
}

// FileState is the last observed state of one watched file.
type FileState struct {
	Path     string `json:"path"`
	ModTime  string `json:"mod_time"`
	Hash     string `json:"hash"`
	LastSeen string `json:"last_seen"`
}

// Changes lists the files a scan found added, modified or deleted, as paths
// relative to the watched directory.
type Changes struct {
	Changed []string
	Deleted []string
}

// Empty reports whether the scan found nothing.
func (c Changes) Empty() bool {
	return len(c.Changed) == 0 && len(c.Deleted) == 0
}

// ScanDir compares the files under w.Dir against the state stored by the
// previous scan, saves the new state and returns the difference. A missing
// directory has no files.
func ScanDir(ctx context.Context, store *Store, w Watch) (Changes, error) {
	current := make(map[string]FileState)
	seen := now().Format(time.RFC3339)
	err := filepath.WalkDir(w.Dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !matchesExt(path, w.Exts) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hash, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("hash file %s: %w", path, err)
		}
		rel, err := filepath.Rel(w.Dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		current[rel] = FileState{
			Path:     rel,
			ModTime:  info.ModTime().UTC().Format(time.RFC3339),
			Hash:     hash,
			LastSeen: seen,
		}
		return nil
	})
	if err != nil {
		return Changes{}, fmt.Errorf("walk %s: %w", w.Dir, err)
	}

	stateKey := "watch:" + w.Name
	stateJSON, err := store.GetKV(ctx, stateKey)
	if err != nil {
		return Changes{}, fmt.Errorf("get watch state: %w", err)
	}
	prev := make(map[string]FileState)
	if stateJSON != "" {
		if err := json.Unmarshal([]byte(stateJSON), &prev); err != nil {
			return Changes{}, fmt.Errorf("parse watch state: %w", err)
		}
	}

	var changes Changes
	for path, cur := range current {
		if old, ok := prev[path]; !ok || old.Hash != cur.Hash {
			changes.Changed = append(changes.Changed, path)
		}
	}
	for path := range prev {
		if _, ok := current[path]; !ok {
			changes.Deleted = append(changes.Deleted, path)
		}
	}
	sort.Strings(changes.Changed)
	sort.Strings(changes.Deleted)

	newJSON, err := json.Marshal(current)
	if err != nil {
		return Changes{}, fmt.Errorf("marshal watch state: %w", err)
	}
	if err := store.SetKV(ctx, stateKey, string(newJSON)); err != nil {
		return Changes{}, fmt.Errorf("save watch state: %w", err)
	}
	return changes, nil
}

func matchesExt(path string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// hashFile computes SHA256 hash of a file's contents.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
