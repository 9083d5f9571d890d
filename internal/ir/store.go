package ir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bifrost-sync/bifrost/internal/bferr"
)

// ErrNotFound is returned by Load when no record exists for an id, and also
// when an on-disk record is corrupted (the corrupted copy is quarantined
// alongside it).
var ErrNotFound = errors.New("ir: record not found")

// HistoryEntry is a single past version of a record.
type HistoryEntry struct {
	Version  int       `json:"version"`
	Digest   string    `json:"digest"`
	StoredAt time.Time `json:"storedAt"`
}

// Record is the persisted state for one IR id: its current body plus the
// history of digests it has ever held.
type Record struct {
	ID       string         `json:"id"`
	Version  int            `json:"version"`
	Digest   string         `json:"digest"`
	Body     Document       `json:"body"`
	StoredAt time.Time      `json:"storedAt"`
	History  []HistoryEntry `json:"history"`
}

// Store is a content-addressed, versioned, filesystem-backed persistence
// layer for IR documents. Writes for a given id are serialized; writes for
// distinct ids may proceed concurrently.
type Store struct {
	dir string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	cacheMu sync.RWMutex
	cache   map[string]*Record
}

// NewStore opens (creating if necessary) a Store rooted at dir/ir.
func NewStore(dir string) (*Store, error) {
	full := filepath.Join(dir, "ir")
	if err := os.MkdirAll(full, 0o755); err != nil {
		return nil, bferr.New(bferr.KindIO, "ir.NewStore", err)
	}
	return &Store{
		dir:   full,
		locks: make(map[string]*sync.Mutex),
		cache: make(map[string]*Record),
	}, nil
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) historyPath(id string) string {
	return filepath.Join(s.dir, id+".history.json")
}

// Store writes body under id. If body's digest matches the current record's
// digest, this is a no-op and the current version is returned unchanged.
// Otherwise a new version is appended to history and written atomically.
func (s *Store) Store(id string, body Document) (int, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	digest, err := body.Digest()
	if err != nil {
		return 0, bferr.New(bferr.KindInvariant, "ir.Store.Store", err)
	}

	existing, found, err := s.loadLocked(id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	if found && existing.Digest == digest {
		return existing.Version, nil
	}

	var history []HistoryEntry
	version := 1
	if found {
		history = append(existing.History, HistoryEntry{
			Version:  existing.Version,
			Digest:   existing.Digest,
			StoredAt: existing.StoredAt,
		})
		version = existing.Version + 1
	}

	rec := &Record{
		ID:       id,
		Version:  version,
		Digest:   digest,
		Body:     body,
		StoredAt: time.Now(),
		History:  history,
	}

	if err := s.writeAtomic(s.recordPath(id), rec); err != nil {
		return 0, err
	}
	if err := s.writeAtomic(s.historyPath(id), rec.History); err != nil {
		return 0, err
	}

	s.cacheMu.Lock()
	s.cache[id] = rec
	s.cacheMu.Unlock()

	return version, nil
}

// HasChanged reports whether body's digest differs from id's current
// digest (true also when id has no current record).
func (s *Store) HasChanged(id string, body Document) (bool, error) {
	digest, err := body.Digest()
	if err != nil {
		return false, bferr.New(bferr.KindInvariant, "ir.Store.HasChanged", err)
	}
	rec, found, err := s.Load(id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if !found {
		return true, nil
	}
	return rec.Digest != digest, nil
}

// Load returns id's current record, or ErrNotFound if none exists.
func (s *Store) Load(id string) (*Record, bool, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return s.loadLocked(id)
}

func (s *Store) loadLocked(id string) (*Record, bool, error) {
	s.cacheMu.RLock()
	if rec, ok := s.cache[id]; ok {
		s.cacheMu.RUnlock()
		return rec, true, nil
	}
	s.cacheMu.RUnlock()

	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, ErrNotFound
		}
		return nil, false, bferr.New(bferr.KindIO, "ir.Store.Load", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.quarantine(id, data)
		return nil, false, ErrNotFound
	}

	s.cacheMu.Lock()
	s.cache[id] = &rec
	s.cacheMu.Unlock()

	return &rec, true, nil
}

// quarantine moves a corrupted record aside so an operator can inspect it.
func (s *Store) quarantine(id string, data []byte) {
	quarantinePath := filepath.Join(s.dir, fmt.Sprintf("%s.corrupt.%d.json", id, time.Now().UnixNano()))
	_ = os.WriteFile(quarantinePath, data, 0o644)
}

// CurrentVersion returns id's current version, or 0 if absent.
func (s *Store) CurrentVersion(id string) int {
	rec, found, err := s.Load(id)
	if err != nil || !found {
		return 0
	}
	return rec.Version
}

// History returns id's history entries (oldest first), not including the
// current version.
func (s *Store) History(id string) ([]HistoryEntry, error) {
	rec, found, err := s.Load(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return rec.History, nil
}

// Delete removes id's record and history from disk and cache.
func (s *Store) Delete(id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.cacheMu.Lock()
	delete(s.cache, id)
	s.cacheMu.Unlock()

	if err := os.Remove(s.recordPath(id)); err != nil && !os.IsNotExist(err) {
		return bferr.New(bferr.KindIO, "ir.Store.Delete", err)
	}
	if err := os.Remove(s.historyPath(id)); err != nil && !os.IsNotExist(err) {
		return bferr.New(bferr.KindIO, "ir.Store.Delete", err)
	}
	return nil
}

// writeAtomic marshals v to JSON and writes it to path by staging to a
// temp file in the same directory and renaming over the destination, so
// readers never observe a partial write.
func (s *Store) writeAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return bferr.New(bferr.KindInvariant, "ir.Store.writeAtomic", err)
	}
	tmp := path + fmt.Sprintf(".tmp.%d", time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return bferr.New(bferr.KindIO, "ir.Store.writeAtomic", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return bferr.New(bferr.KindIO, "ir.Store.writeAtomic", err)
	}
	return nil
}
