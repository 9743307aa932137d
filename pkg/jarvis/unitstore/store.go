// Package unitstore persists unit sources. The file store keeps one
// `<name>.hcl` per unit plus the last known-good copy of every replaced
// unit under `.history/`, so a failed commit can be rolled back.
package unitstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jholhewres/jarvis/pkg/jarvis/faults"
	"github.com/jholhewres/jarvis/pkg/jarvis/units"
)

// ErrNotFound is returned for unknown units.
var ErrNotFound = errors.New("unit not found")

const (
	ext        = ".hcl"
	historyDir = ".history"
)

// Mode selects how Write treats an existing unit.
type Mode int

const (
	// Create refuses to replace an existing unit.
	Create Mode = iota

	// Overwrite replaces the unit, keeping the current copy as prior-good.
	Overwrite
)

// Ref identifies a stored unit version.
type Ref struct {
	Name   string
	Path   string
	Digest string
}

// SourceRef converts to the registry-facing handle.
func (r Ref) SourceRef() units.SourceRef {
	return units.SourceRef{Key: r.Name, Digest: r.Digest}
}

// Store is the persistence surface of the pipeline and the registry.
type Store interface {
	List(ctx context.Context) ([]string, error)
	Read(ctx context.Context, name string) ([]byte, error)
	Stat(ctx context.Context, name string) (Ref, error)
	Write(ctx context.Context, name string, src []byte, mode Mode) (Ref, error)

	// Previous returns the prior-good copy of a replaced unit.
	Previous(ctx context.Context, name string) ([]byte, error)

	// Restore undoes the last Write: the prior-good copy is reinstated, or
	// the unit is removed when the write created it.
	Restore(ctx context.Context, name string) error
}

func canonical(op, name string) (string, error) {
	n := units.NormalizeName(name)
	if n == "" {
		return "", faults.Validation(op, "", "unit name %q is empty after normalization", name)
	}
	return n, nil
}

// ---------- File store ----------

// FileStore stores units as files under a directory. Writes go through a
// temp file and rename, so readers never observe a half-written unit.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, historyDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating unit directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the store root.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+ext)
}

func (s *FileStore) historyPath(name string) string {
	return filepath.Join(s.dir, historyDir, name+ext)
}

// List returns the stored unit names, sorted.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, faults.Persistence("store.list", "", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ext))
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileStore) Read(_ context.Context, name string) ([]byte, error) {
	n, err := canonical("store.read", name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(n))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", n, ErrNotFound)
	}
	if err != nil {
		return nil, faults.Persistence("store.read", n, err)
	}
	return data, nil
}

func (s *FileStore) Stat(ctx context.Context, name string) (Ref, error) {
	data, err := s.Read(ctx, name)
	if err != nil {
		return Ref{}, err
	}
	n := units.NormalizeName(name)
	return Ref{Name: n, Path: s.path(n), Digest: units.Digest(data)}, nil
}

func (s *FileStore) Write(_ context.Context, name string, src []byte, mode Mode) (Ref, error) {
	const op = "store.write"
	n, err := canonical(op, name)
	if err != nil {
		return Ref{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := os.ReadFile(s.path(n))
	exists := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Ref{}, faults.Persistence(op, n, err)
	}

	switch {
	case exists && mode == Create:
		return Ref{}, faults.Conflict(op, n, "unit already exists")
	case exists:
		if err := writeAtomic(s.historyPath(n), current); err != nil {
			return Ref{}, faults.Persistence(op, n, fmt.Errorf("saving prior-good copy: %w", err))
		}
	default:
		// No prior version; a stale history file would make Restore
		// resurrect a unit that was never replaced.
		if err := os.Remove(s.historyPath(n)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Ref{}, faults.Persistence(op, n, err)
		}
	}

	if err := writeAtomic(s.path(n), src); err != nil {
		return Ref{}, faults.Persistence(op, n, err)
	}
	return Ref{Name: n, Path: s.path(n), Digest: units.Digest(src)}, nil
}

func (s *FileStore) Previous(_ context.Context, name string) ([]byte, error) {
	n, err := canonical("store.previous", name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.historyPath(n))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: no prior-good copy: %w", n, ErrNotFound)
	}
	if err != nil {
		return nil, faults.Persistence("store.previous", n, err)
	}
	return data, nil
}

func (s *FileStore) Restore(_ context.Context, name string) error {
	const op = "store.restore"
	n, err := canonical(op, name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prior, err := os.ReadFile(s.historyPath(n))
	switch {
	case err == nil:
		if err := writeAtomic(s.path(n), prior); err != nil {
			return faults.Persistence(op, n, err)
		}
		return nil
	case errors.Is(err, os.ErrNotExist):
		if err := os.Remove(s.path(n)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return faults.Persistence(op, n, err)
		}
		return nil
	default:
		return faults.Persistence(op, n, err)
	}
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".unit-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// ---------- Memory store ----------

// MemoryStore is an in-process Store for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.Mutex
	units   map[string][]byte
	history map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{units: map[string][]byte{}, history: map[string][]byte{}}
}

func (m *MemoryStore) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.units))
	for n := range m.units {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) Read(_ context.Context, name string) ([]byte, error) {
	n, err := canonical("store.read", name)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.units[n]
	if !ok {
		return nil, fmt.Errorf("%s: %w", n, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Stat(ctx context.Context, name string) (Ref, error) {
	data, err := m.Read(ctx, name)
	if err != nil {
		return Ref{}, err
	}
	n := units.NormalizeName(name)
	return Ref{Name: n, Path: n + ext, Digest: units.Digest(data)}, nil
}

func (m *MemoryStore) Write(_ context.Context, name string, src []byte, mode Mode) (Ref, error) {
	n, err := canonical("store.write", name)
	if err != nil {
		return Ref{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.units[n]
	switch {
	case exists && mode == Create:
		return Ref{}, faults.Conflict("store.write", n, "unit already exists")
	case exists:
		m.history[n] = current
	default:
		delete(m.history, n)
	}
	m.units[n] = append([]byte(nil), src...)
	return Ref{Name: n, Path: n + ext, Digest: units.Digest(src)}, nil
}

func (m *MemoryStore) Previous(_ context.Context, name string) ([]byte, error) {
	n, err := canonical("store.previous", name)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.history[n]
	if !ok {
		return nil, fmt.Errorf("%s: no prior-good copy: %w", n, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Restore(_ context.Context, name string) error {
	n, err := canonical("store.restore", name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.history[n]; ok {
		m.units[n] = prior
		return nil
	}
	delete(m.units, n)
	return nil
}
