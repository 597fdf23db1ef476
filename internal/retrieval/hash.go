package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// indexable reports whether IngestDir reads path.
func indexable(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".txt":
		return true
	}
	return false
}

// SourceHash fingerprints the files IngestDir would index under dir: their
// slash-separated relative paths and contents. Other files do not affect it.
// A missing dir hashes to "".
func SourceHash(dir string) (string, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("stat knowledge dir: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("knowledge path is not a directory: %s", dir)
	}

	sources := make(map[string]string)
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !indexable(path) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		sources[filepath.ToSlash(rel)] = path
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan knowledge dir: %w", err)
	}

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		f, err := os.Open(sources[name])
		if err != nil {
			return "", fmt.Errorf("open %s: %w", name, err)
		}
		fmt.Fprintf(h, "%s\x00", name)
		_, err = io.Copy(h, f)
		_ = f.Close()
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", name, err)
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
