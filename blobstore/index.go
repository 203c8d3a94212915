package blobstore

import (
	"encoding/json"
	"os"
)

// persistedInfo is the JSON-on-disk shape of Info. It is an alias of
// Info, so the index file is Info's own encoding/json form
// (time.Duration and time.Time round-trip fine through it).
type persistedInfo = Info

func (s *Store) saveIndex() {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	_ = s.saveIndexLocked()
}

func (s *Store) saveIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.indexPath())
}

func (s *Store) loadIndex() {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		return
	}
	var idx map[string]*persistedInfo
	if err := json.Unmarshal(data, &idx); err != nil {
		return
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	s.index = idx
	s.used = 0
	for _, info := range s.index {
		s.used += info.StoredSize
	}
}
