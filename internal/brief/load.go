// Package brief loads campaign brief files: the run to create, its goal and
// brief map, and an optional filter selection for audience resolution.
package brief

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"crmflow/internal/targeting"
)

// LoadFile reads and validates one brief file.
func LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseAndValidateDocument(data, path)
}

// LoadTargetFile reads and validates a standalone filter selection file.
func LoadTargetFile(path string) (targeting.TargetInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return targeting.TargetInput{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseTargetInput(data, path)
}

// LoadDir loads and validates every *.yml and *.yaml brief in dir, sorted by
// file name. Run ids must be unique across files.
func LoadDir(dir string) ([]Document, error) {
	var files []string
	for _, pattern := range []string{"*.yml", "*.yaml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("scan brief dir: %w", err)
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no brief YAML files found in %s", dir)
	}
	sort.Strings(files)

	var docs []Document
	var vErrs ValidationErrors
	for _, path := range files {
		doc, err := LoadFile(path)
		if err != nil {
			if ve, ok := err.(ValidationErrors); ok {
				vErrs = append(vErrs, ve...)
				continue
			}
			return nil, err
		}
		docs = append(docs, doc)
	}
	if len(vErrs) > 0 {
		return nil, vErrs
	}

	seen := make(map[string]string, len(docs))
	for _, doc := range docs {
		if first, ok := seen[doc.RunID]; ok {
			vErrs = append(vErrs, ValidationError{
				File:    doc.Source,
				Field:   "run_id",
				Message: fmt.Sprintf("duplicate run_id %q (also in %s)", doc.RunID, first),
			})
			continue
		}
		seen[doc.RunID] = doc.Source
	}
	if len(vErrs) > 0 {
		return nil, vErrs
	}
	return docs, nil
}
