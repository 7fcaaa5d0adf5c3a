package artifacts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/ficheops/control-plane/pkg/apperror"
)

func (s *Store) indexPath() string {
	return filepath.Join(s.root, "index.json")
}

func (s *Store) readIndexLocked() ([]indexEntry, error) {
	b, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []indexEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) writeIndexLocked(entries []indexEntry) error {
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath(), b, 0o644)
}

// appendIndex adds a new summary row under the index's exclusive lock.
func (s *Store) appendIndex(entry indexEntry) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	entries, err := s.readIndexLocked()
	if err != nil {
		return err
	}
	entries = append(entries, entry)
	return s.writeIndexLocked(entries)
}

// updateIndexStatus read-modify-writes the index under its exclusive lock to
// reflect a commis's terminal status.
func (s *Store) updateIndexStatus(commisID, status string, finishedAt *time.Time) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	entries, err := s.readIndexLocked()
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].CommisID == commisID {
			entries[i].Status = status
			entries[i].FinishedAt = finishedAt
			break
		}
	}
	return s.writeIndexLocked(entries)
}

// ListFilter narrows a List call.
type ListFilter struct {
	Limit   int
	Status  string
	Since   *time.Time
	OwnerID string
}

// List returns index entries, most-recent-first, matching filter.
func (s *Store) List(filter ListFilter) ([]indexEntry, error) {
	s.indexMu.Lock()
	entries, err := s.readIndexLocked()
	s.indexMu.Unlock()
	if err != nil {
		return nil, apperror.ErrInternal.WithInternal(err)
	}

	out := make([]indexEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.Since != nil && e.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.OwnerID != "" && e.OwnerID != filter.OwnerID {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
