package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace layout, relative to the root.
const (
	ConfigFile   = "crmflow.yml"
	dataDir      = "data"
	knowledgeDir = "knowledge"
	briefsDir    = "briefs"
	auditDir     = "audit"
)

// Workspace holds the absolute paths of one crmflow workspace. Databases live
// under data/ except the audit log.
type Workspace struct {
	Root         string
	ConfigPath   string
	DataDir      string
	RunsDBPath   string
	KnowledgeDir string
	IndexDBPath  string
	JobsDBPath   string
	BriefsDir    string
	AuditDir     string
	AuditDBPath  string
}

// New lays out a workspace under root without touching the filesystem. root
// must already be absolute.
func New(root string) *Workspace {
	data := filepath.Join(root, dataDir)
	audit := filepath.Join(root, auditDir)
	return &Workspace{
		Root:         root,
		ConfigPath:   filepath.Join(root, ConfigFile),
		DataDir:      data,
		RunsDBPath:   filepath.Join(data, "runs.sqlite"),
		IndexDBPath:  filepath.Join(data, "index.sqlite"),
		JobsDBPath:   filepath.Join(data, "jobs.sqlite"),
		KnowledgeDir: filepath.Join(root, knowledgeDir),
		BriefsDir:    filepath.Join(root, briefsDir),
		AuditDir:     audit,
		AuditDBPath:  filepath.Join(audit, "events.sqlite"),
	}
}

// Resolve returns the workspace at root, which must be an existing directory.
func Resolve(root string) (*Workspace, error) {
	abs, err := ResolveRoot(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	switch {
	case err != nil:
		return nil, fmt.Errorf("workspace root: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("workspace root is not a directory: %s", abs)
	}
	return New(abs), nil
}

// ResolveRoot turns root into an absolute path, expanding a leading ~. The
// directory need not exist.
func ResolveRoot(root string) (string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return "", errors.New("workspace root is required")
	}
	expanded, err := expandHome(root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	return abs, nil
}

// EnsureDirs creates every workspace directory.
func (w *Workspace) EnsureDirs() error {
	if w == nil {
		return errors.New("workspace is nil")
	}
	for _, dir := range []string{w.DataDir, w.KnowledgeDir, w.BriefsDir, w.AuditDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure %s: %w", dir, err)
		}
	}
	return nil
}

// ResolvePath makes a user-supplied path absolute. Relative paths are taken
// from the workspace root, not the process working directory. Blank input
// resolves to "".
func (w *Workspace) ResolvePath(path string) (string, error) {
	if w == nil {
		return "", errors.New("workspace is nil")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	expanded, err := expandHome(path)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(expanded) {
		expanded = filepath.Join(w.Root, expanded)
	}
	return filepath.Clean(expanded), nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	rest := strings.TrimPrefix(path, "~")
	if rest != "" && !strings.HasPrefix(rest, "/") {
		return "", fmt.Errorf("unsupported home expansion: %s", path)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, rest), nil
}
