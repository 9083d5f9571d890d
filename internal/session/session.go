package session

import (
	"sync"
	"time"

	"github.com/bifrost-sync/bifrost/internal/ir"
)

// Session is a logical channel between a host and one or more devices,
// carrying ordered updates. NextSequence is monotonic for the life of the
// session; CurrentIR is the body of the last broadcast update.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu           sync.RWMutex
	expiresAt    time.Time
	currentIR    *ir.Document
	nextSequence uint64
	devices      map[string]*DeviceConnection
}

func newSession(id string, timeout time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		CreatedAt: now,
		expiresAt: now.Add(timeout),
		devices:   make(map[string]*DeviceConnection),
	}
}

// ExpiresAt returns the session's current expiry time.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// Expired reports whether the session has passed its expiry time.
func (s *Session) Expired() bool {
	return time.Now().After(s.ExpiresAt())
}

// Extend pushes the session's expiry forward by d.
func (s *Session) Extend(d time.Duration) {
	s.mu.Lock()
	s.expiresAt = s.expiresAt.Add(d)
	s.mu.Unlock()
}

// CurrentIR returns the last broadcast body, or nil if nothing has been
// pushed yet.
func (s *Session) CurrentIR() *ir.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentIR
}

// NextSequence returns the current sequence counter without incrementing
// it.
func (s *Session) NextSequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextSequence
}

// AdvanceSequence increments and returns the session's sequence counter,
// and records newBody as the current IR. Both happen atomically under the
// session's lock so a concurrent reader never observes a sequence bump
// without the body that sequence applies to (or vice versa).
func (s *Session) AdvanceSequence(newBody ir.Document) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSequence++
	body := newBody
	s.currentIR = &body
	return s.nextSequence
}

// AddDevice registers a connected device under the session.
func (s *Session) AddDevice(dc *DeviceConnection) {
	s.mu.Lock()
	s.devices[dc.ConnectionID] = dc
	s.mu.Unlock()
}

// RemoveDevice drops a device from the session, returning it if present.
func (s *Session) RemoveDevice(connectionID string) (*DeviceConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dc, ok := s.devices[connectionID]
	if ok {
		delete(s.devices, connectionID)
	}
	return dc, ok
}

// Device returns the device by connection id, if present.
func (s *Session) Device(connectionID string) (*DeviceConnection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dc, ok := s.devices[connectionID]
	return dc, ok
}

// Devices returns a snapshot slice of currently connected devices.
func (s *Session) Devices() []*DeviceConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*DeviceConnection, 0, len(s.devices))
	for _, dc := range s.devices {
		out = append(out, dc)
	}
	return out
}

// DeviceCount returns the number of currently connected devices.
func (s *Session) DeviceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// Summary is a read-only snapshot of a session's public state.
type Summary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	NextSequence uint64    `json:"nextSequence"`
	DeviceCount  int       `json:"deviceCount"`
}

func (s *Session) summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Summary{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		ExpiresAt:    s.expiresAt,
		NextSequence: s.nextSequence,
		DeviceCount:  len(s.devices),
	}
}
