// Package dirstore implements one-directory-per-entity file storage:
// a meta.json document plus optional companion files (JSONL logs, blobs).
package dirstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when an entity has no meta.json.
	ErrNotFound = errors.New("not found")
	// ErrInvalidID is returned for IDs that would escape the base directory.
	ErrInvalidID = errors.New("invalid id")
)

// DirStore roots a family of entity directories under baseDir.
type DirStore struct {
	mu         sync.RWMutex
	baseDir    string
	entityName string // used in error messages: "agent", "task", "conversation"
}

// New creates a DirStore rooted at baseDir.
func New(baseDir, entityName string) *DirStore {
	return &DirStore{baseDir: baseDir, entityName: entityName}
}

func (ds *DirStore) Lock()    { ds.mu.Lock() }
func (ds *DirStore) Unlock()  { ds.mu.Unlock() }
func (ds *DirStore) RLock()   { ds.mu.RLock() }
func (ds *DirStore) RUnlock() { ds.mu.RUnlock() }

// ValidID reports whether id can be used as a directory name.
func ValidID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

// Dir returns the directory of an entity.
func (ds *DirStore) Dir(id string) string {
	return filepath.Join(ds.baseDir, id)
}

// FilePath returns the path of a named file inside an entity directory.
func (ds *DirStore) FilePath(id, name string) string {
	return filepath.Join(ds.baseDir, id, name)
}

// EnsureDir creates the entity directory and its parents.
func (ds *DirStore) EnsureDir(id string) error {
	if !ValidID(id) {
		return fmt.Errorf("%s %q: %w", ds.entityName, id, ErrInvalidID)
	}
	if err := os.MkdirAll(ds.Dir(id), 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", ds.entityName, err)
	}
	return nil
}

// Exists reports whether the entity has a meta.json.
func (ds *DirStore) Exists(id string) bool {
	if !ValidID(id) {
		return false
	}
	_, err := os.Stat(ds.FilePath(id, "meta.json"))
	return err == nil
}

// ListDirs returns the names of all entity directories.
func (ds *DirStore) ListDirs() ([]string, error) {
	entries, err := os.ReadDir(ds.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s dirs: %w", ds.entityName, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// WriteMeta atomically replaces meta.json with the JSON encoding of v.
func (ds *DirStore) WriteMeta(id string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s meta: %w", ds.entityName, err)
	}
	return ds.WriteFileAtomic(id, "meta.json", data)
}

// ReadMeta decodes meta.json into out. A missing entity yields ErrNotFound.
func (ds *DirStore) ReadMeta(id string, out any) error {
	if !ValidID(id) {
		return fmt.Errorf("%s %q: %w", ds.entityName, id, ErrNotFound)
	}
	data, err := os.ReadFile(ds.FilePath(id, "meta.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s %s: %w", ds.entityName, id, ErrNotFound)
		}
		return fmt.Errorf("read %s meta: %w", ds.entityName, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s meta: %w", ds.entityName, err)
	}
	return nil
}

// AppendJSONL appends one JSON line to filename, creating the entity directory if needed.
func (ds *DirStore) AppendJSONL(id, filename string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filename, err)
	}
	if err := ds.EnsureDir(id); err != nil {
		return err
	}

	f, err := os.OpenFile(ds.FilePath(id, filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filename, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return nil
}

// LoadJSONL decodes every line of filename into T. Corrupted lines are skipped.
func LoadJSONL[T any](ds *DirStore, id, filename string) ([]T, error) {
	if !ValidID(id) {
		return nil, nil
	}
	f, err := os.Open(ds.FilePath(id, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	defer f.Close()

	var items []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item T
		if err := json.Unmarshal(line, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", filename, err)
	}
	return items, nil
}

// WriteFileAtomic writes content to filename through a temp file and rename.
func (ds *DirStore) WriteFileAtomic(id, filename string, content []byte) error {
	if err := ds.EnsureDir(id); err != nil {
		return err
	}
	path := ds.FilePath(id, filename)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write %s tmp: %w", filename, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filename, err)
	}
	return nil
}

// ReadFile returns the content of filename, or nil if it does not exist.
func (ds *DirStore) ReadFile(id, filename string) ([]byte, error) {
	if !ValidID(id) {
		return nil, nil
	}
	data, err := os.ReadFile(ds.FilePath(id, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", filename, err)
	}
	return data, nil
}
