package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// RegistryFileName is the table of running servers inside the global root.
const RegistryFileName = "servers.json"

// Entry describes one running daemon. There is at most one entry per Cwd.
type Entry struct {
	Cwd       string `json:"cwd"`
	Port      int    `json:"port"`
	PID       int    `json:"pid"`
	AuthToken string `json:"authToken,omitempty"`
}

// Registry is the per-user list of running servers. Writes replace the file
// atomically, so a concurrent reader sees either the old or the new table.
type Registry struct {
	path string
	mu   sync.Mutex
}

// New returns the registry stored under globalRoot.
func New(globalRoot string) *Registry {
	return &Registry{path: filepath.Join(globalRoot, RegistryFileName)}
}

// Path returns the registry file location.
func (r *Registry) Path() string {
	return r.path
}

// Register inserts e, replacing any entry with the same Cwd.
func (r *Registry) Register(e Entry) error {
	if e.Cwd == "" {
		return errors.New("registry: cwd is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load()
	if err != nil {
		return err
	}
	entries = slices.DeleteFunc(entries, func(x Entry) bool { return x.Cwd == e.Cwd })
	entries = append(entries, e)
	return r.save(entries)
}

// Unregister removes the entry for cwd. Unknown cwds are ignored.
func (r *Registry) Unregister(cwd string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load()
	if err != nil {
		return err
	}
	kept := slices.DeleteFunc(slices.Clone(entries), func(x Entry) bool { return x.Cwd == cwd })
	if len(kept) == len(entries) {
		return nil
	}
	return r.save(kept)
}

// List returns all entries sorted by Cwd. A missing file is an empty table.
func (r *Registry) List() ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load()
	if err != nil {
		return nil, err
	}
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Cwd, b.Cwd) })
	return entries, nil
}

// Lookup returns the entry for cwd.
func (r *Registry) Lookup(cwd string) (Entry, bool, error) {
	entries, err := r.List()
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.Cwd == cwd {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// Clear empties the registry.
func (r *Registry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(nil)
}

// Prune drops entries whose process is gone and returns them.
func (r *Registry) Prune() ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load()
	if err != nil {
		return nil, err
	}
	var alive, dead []Entry
	for _, e := range entries {
		if IsProcessRunning(e.PID) {
			alive = append(alive, e)
		} else {
			dead = append(dead, e)
		}
	}
	if len(dead) == 0 {
		return nil, nil
	}
	return dead, r.save(alive)
}

func (r *Registry) load() ([]Entry, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read server registry: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse server registry %s: %w", r.path, err)
	}
	return entries, nil
}

func (r *Registry) save(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(r.path, data); err != nil {
		return fmt.Errorf("write server registry: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file next to path and renames it
// into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
