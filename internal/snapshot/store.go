// Package snapshot loads the committed static fixture files used to keep
// subagent evaluations reproducible across environment rebuilds.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
)

// Store is an immutable index over fixture records: by subagent for listing,
// by (subagent, url) for resolution. Safe for unlimited concurrent readers.
type Store struct {
	bySubagent map[string][]studio.StaticSnapshot
	byKey      map[string]studio.StaticSnapshot
}

// Key returns the snapshot index key for a (subagent, url) pair.
func Key(subagentName, url string) string {
	return subagentName + "|" + url
}

// Load reads one YAML fixture file: a mapping from subagent name to an
// ordered sequence of records with url, title, content, and expected fields.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot file: %w", err)
	}
	return Parse(data)
}

// LoadDir merges every *.yaml/*.yml file in the directory, sorted by name so
// loading is deterministic. Later files may not redefine an existing
// (subagent, url) pair: snapshots are append-only.
func LoadDir(dir string) (*Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)

	merged := newStore()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read snapshot file: %w", err)
		}
		if err := merged.add(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return merged, nil
}

// Parse builds a store from raw YAML.
func Parse(data []byte) (*Store, error) {
	store := newStore()
	if err := store.add(data); err != nil {
		return nil, err
	}
	return store, nil
}

func newStore() *Store {
	return &Store{
		bySubagent: make(map[string][]studio.StaticSnapshot),
		byKey:      make(map[string]studio.StaticSnapshot),
	}
}

type fixtureRecord struct {
	URL      string                `yaml:"url"`
	Title    string                `yaml:"title"`
	Content  string                `yaml:"content"`
	Expected studio.ExpectedOutput `yaml:"expected"`
}

func (s *Store) add(data []byte) error {
	var raw map[string][]fixtureRecord
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse snapshot yaml: %w", err)
	}
	for subagent, records := range raw {
		for i, rec := range records {
			if rec.URL == "" {
				return fmt.Errorf("subagent %q: record %d has no url", subagent, i)
			}
			if rec.Content == "" {
				return fmt.Errorf("subagent %q: record %d (%s) has no content", subagent, i, rec.URL)
			}
			key := Key(subagent, rec.URL)
			if _, dup := s.byKey[key]; dup {
				return fmt.Errorf("subagent %q: duplicate snapshot for %s", subagent, rec.URL)
			}
			snap := studio.StaticSnapshot{
				SubagentName: subagent,
				URL:          rec.URL,
				Title:        rec.Title,
				Content:      rec.Content,
				Expected:     rec.Expected,
			}
			s.byKey[key] = snap
			s.bySubagent[subagent] = append(s.bySubagent[subagent], snap)
		}
	}
	return nil
}

// Lookup returns the snapshot committed for the (subagent, url) pair.
func (s *Store) Lookup(subagentName, url string) (studio.StaticSnapshot, bool) {
	snap, ok := s.byKey[Key(subagentName, url)]
	return snap, ok
}

// Fixtures returns the subagent's records in file order.
func (s *Store) Fixtures(subagentName string) []studio.StaticSnapshot {
	records := s.bySubagent[subagentName]
	out := make([]studio.StaticSnapshot, len(records))
	copy(out, records)
	return out
}
