package tasks

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dohr-michael/agentoz/internal/storage/dirstore"
)

// FileStore persists tasks as directories with meta.json + transitions.jsonl.
type FileStore struct {
	ds *dirstore.DirStore
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{ds: dirstore.New(baseDir, "task")}
}

// Create persists a new task. Missing ID, status, priority and submit time are filled in.
func (fs *FileStore) Create(t *Task) error {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	if t.ID == "" {
		t.ID = GenerateTaskID()
	}
	if t.Status == "" {
		t.Status = TaskSubmitted
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	now := time.Now()
	if t.SubmitTime.IsZero() {
		t.SubmitTime = now
	}
	t.UpdatedAt = now

	if err := fs.ds.WriteMeta(t.ID, t); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (fs *FileStore) Get(id string) (*Task, error) {
	fs.ds.RLock()
	defer fs.ds.RUnlock()

	var t Task
	if err := fs.ds.ReadMeta(id, &t); err != nil {
		if errors.Is(err, dirstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil, err
	}
	return &t, nil
}

// Update atomically rewrites a task's meta.json.
func (fs *FileStore) Update(t *Task) error {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	if !fs.ds.Exists(t.ID) {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, t.ID)
	}
	t.UpdatedAt = time.Now()
	if err := fs.ds.WriteMeta(t.ID, t); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// List returns tasks matching the filter, oldest submission first.
func (fs *FileStore) List(filter ListFilter) ([]*Task, error) {
	fs.ds.RLock()
	defer fs.ds.RUnlock()

	dirs, err := fs.ds.ListDirs()
	if err != nil {
		return nil, err
	}

	var out []*Task
	for _, name := range dirs {
		var t Task
		if err := fs.ds.ReadMeta(name, &t); err != nil {
			continue // skip corrupted tasks
		}
		if filter.match(&t) {
			out = append(out, &t)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmitTime.Before(out[j].SubmitTime)
	})
	return out, nil
}

func (fs *FileStore) AppendTransition(taskID string, tr Transition) error {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	return fs.ds.AppendJSONL(taskID, "transitions.jsonl", tr)
}

func (fs *FileStore) LoadTransitions(taskID string) ([]Transition, error) {
	fs.ds.RLock()
	defer fs.ds.RUnlock()

	return dirstore.LoadJSONL[Transition](fs.ds, taskID, "transitions.jsonl")
}
