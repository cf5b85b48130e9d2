package sessions

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dohr-michael/agentoz/internal/storage/dirstore"
)

// FileArchive keeps the last snapshot of each removed session as
// <baseDir>/<conversationId>/meta.json.
type FileArchive struct {
	ds *dirstore.DirStore
}

// NewFileArchive creates a FileArchive rooted at baseDir.
func NewFileArchive(baseDir string) *FileArchive {
	return &FileArchive{ds: dirstore.New(baseDir, "session")}
}

func (fa *FileArchive) Save(info Info) error {
	fa.ds.Lock()
	defer fa.ds.Unlock()
	if err := fa.ds.WriteMeta(info.ConversationID, info); err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return nil
}

// Get reads an archived snapshot.
func (fa *FileArchive) Get(conversationID string) (*Info, error) {
	fa.ds.RLock()
	defer fa.ds.RUnlock()
	var info Info
	if err := fa.ds.ReadMeta(conversationID, &info); err != nil {
		if errors.Is(err, dirstore.ErrNotFound) {
			return nil, fmt.Errorf("archived conversation %s: %w", conversationID, ErrSessionNotFound)
		}
		return nil, err
	}
	return &info, nil
}

// List returns archived snapshots, most recently updated first.
func (fa *FileArchive) List() ([]Info, error) {
	fa.ds.RLock()
	defer fa.ds.RUnlock()

	ids, err := fa.ds.ListDirs()
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	var infos []Info
	for _, id := range ids {
		var info Info
		if err := fa.ds.ReadMeta(id, &info); err != nil {
			continue // skip corrupted snapshots
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos, nil
}
