package tasks

import (
	"os"
	"path/filepath"
	"sort"
)

// DocumentRef names one checklist document inside a workspace.
type DocumentRef struct {
	Name string
	Path string
}

// Discover finds task documents under root. Each spec directory
// .kiro/specs/<name>/ may hold a tasks.md; when none exist a tasks.md at the
// workspace root is used instead.
func Discover(root string) ([]DocumentRef, error) {
	pattern := filepath.Join(root, ".kiro", "specs", "*", "tasks.md")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	docs := make([]DocumentRef, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		docs = append(docs, DocumentRef{Name: filepath.Base(filepath.Dir(path)), Path: path})
	}
	if len(docs) > 0 {
		return docs, nil
	}

	fallback := filepath.Join(root, "tasks.md")
	if info, err := os.Stat(fallback); err == nil && !info.IsDir() {
		return []DocumentRef{{Name: "tasks", Path: fallback}}, nil
	}
	return nil, nil
}
