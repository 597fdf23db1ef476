package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// Fixture copies integration/fixtures/<name> into a fresh temp dir and returns
// the copy's path.
func Fixture(t *testing.T, name string) string {
	t.Helper()
	src := filepath.Join(RepoRoot(t), "integration", "fixtures", name)
	dst := filepath.Join(t.TempDir(), name)
	CopyDir(t, src, dst)
	return dst
}

// CopyDir copies a fixture directory into a destination path.
func CopyDir(t *testing.T, src, dst string) {
	t.Helper()
	if err := copyDir(src, dst); err != nil {
		t.Fatalf("copy dir %s to %s: %v", src, dst, err)
	}
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.Type()&os.ModeSymlink != 0 {
			return fmt.Errorf("symlink not supported: %s", path)
		}
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}
