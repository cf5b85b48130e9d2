package agents

import (
	"errors"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dohr-michael/agentoz/internal/storage/dirstore"
)

const defaultCacheSize = 512

// FileStore keeps each agent in its own directory (meta.json + rollout.bin)
// with an LRU cache in front of metadata reads.
type FileStore struct {
	ds    *dirstore.DirStore
	cache *lru.Cache[string, Agent]
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	cache, err := lru.New[string, Agent](defaultCacheSize)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	return &FileStore{ds: dirstore.New(baseDir, "agent"), cache: cache}
}

func (fs *FileStore) Create(a *Agent) error {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	if a.ID == "" {
		a.ID = GenerateAgentID()
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now

	if err := fs.ds.WriteMeta(a.ID, a); err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	fs.cache.Add(a.ID, *a)
	return nil
}

func (fs *FileStore) Get(id string) (*Agent, error) {
	if a, ok := fs.cache.Get(id); ok {
		return &a, nil
	}

	fs.ds.RLock()
	defer fs.ds.RUnlock()

	var a Agent
	if err := fs.ds.ReadMeta(id, &a); err != nil {
		if errors.Is(err, dirstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
		}
		return nil, err
	}
	fs.cache.Add(id, a)
	return &a, nil
}

func (fs *FileStore) FindByName(conversationID, name string) (*Agent, error) {
	list, err := fs.List(conversationID)
	if err != nil {
		return nil, err
	}
	for _, a := range list {
		if a.Name == name {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %q in conversation %s", ErrAgentNotFound, name, conversationID)
}

// List returns the agents of a conversation (all agents when conversationID
// is empty), highest priority first, then most recently active.
func (fs *FileStore) List(conversationID string) ([]*Agent, error) {
	fs.ds.RLock()
	defer fs.ds.RUnlock()

	dirs, err := fs.ds.ListDirs()
	if err != nil {
		return nil, err
	}

	var out []*Agent
	for _, id := range dirs {
		var a Agent
		if err := fs.ds.ReadMeta(id, &a); err != nil {
			continue
		}
		if conversationID != "" && a.ConversationID != conversationID {
			continue
		}
		out = append(out, &a)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return lastActive(out[i]).After(lastActive(out[j]))
	})
	return out, nil
}

func lastActive(a *Agent) time.Time {
	if a.LastInteractionAt != nil {
		return *a.LastInteractionAt
	}
	return time.Time{}
}

func (fs *FileStore) Update(a *Agent) error {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	if !fs.ds.Exists(a.ID) {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, a.ID)
	}
	a.UpdatedAt = time.Now()
	if err := fs.ds.WriteMeta(a.ID, a); err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	fs.cache.Add(a.ID, *a)
	return nil
}

// LoadRollout returns the persisted rollout, or nil for an agent that never finished a turn.
func (fs *FileStore) LoadRollout(id string) ([]byte, error) {
	fs.ds.RLock()
	defer fs.ds.RUnlock()

	if !fs.ds.Exists(id) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return fs.ds.ReadFile(id, "rollout.bin")
}

// SaveRollout replaces the agent's rollout.
func (fs *FileStore) SaveRollout(id string, rollout []byte) error {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	if !fs.ds.Exists(id) {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return fs.ds.WriteFileAtomic(id, "rollout.bin", rollout)
}
