// Package session implements the Session Registry: session creation,
// device registration, expiry, heartbeat, and statistics.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Defaults per the Session Registry contract.
const (
	DefaultSessionTimeout    = 8 * time.Hour
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultConnectionTimeout = 60 * time.Second
	DefaultCleanupInterval   = time.Minute
)

var (
	// ErrUnknownSession is returned when an operation names a session id
	// the registry has no record of.
	ErrUnknownSession = errors.New("session: unknown session")
	// ErrSessionExpired is returned when a session exists but has passed
	// its expiry time.
	ErrSessionExpired = errors.New("session: expired")
)

// Options configures a Registry.
type Options struct {
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	CleanupInterval   time.Duration
}

// Registry owns the set of live sessions and their devices.
type Registry struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewRegistry builds a Registry, filling in defaults for any zero option.
func NewRegistry(opts Options) *Registry {
	if opts.SessionTimeout == 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ConnectionTimeout == 0 {
		opts.ConnectionTimeout = DefaultConnectionTimeout
	}
	if opts.CleanupInterval == 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
}

// Start launches the heartbeat and cleanup background tasks.
func (r *Registry) Start() {
	r.wg.Add(2)
	go r.heartbeatLoop()
	go r.cleanupLoop()
}

// Stop halts background tasks and closes every device stream with normal
// closure.
func (r *Registry) Stop() {
	close(r.stop)
	r.wg.Wait()

	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.DeleteSession(id)
	}
}

// CreateSession allocates a new session with a cryptographically random id.
func (r *Registry) CreateSession() *Session {
	s := newSession(uuid.NewString(), r.opts.SessionTimeout)
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// GetSession returns the session by id.
func (r *Registry) GetSession(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// SessionIDs returns the ids of every currently live session, for callers
// that need to broadcast to all of them (e.g. pushing a freshly synced IR
// document to whichever sessions are watching).
func (r *Registry) SessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// ExtendSession extends a session's expiry by the default session timeout,
// or returns ErrUnknownSession.
func (r *Registry) ExtendSession(id string) error {
	s, ok := r.GetSession(id)
	if !ok {
		return ErrUnknownSession
	}
	s.Extend(r.opts.SessionTimeout)
	return nil
}

// DeleteSession closes every device stream with normal closure and removes
// the session.
func (r *Registry) DeleteSession(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	for _, dc := range s.Devices() {
		dc.Close(CloseNormal, "session ended")
	}
	return true
}

// CloseNormal is the standard RFC 6455 normal-closure code, re-exported
// here so callers need not import the protocol package just to close a
// session's devices.
const CloseNormal = 1000

// AdmitDevice validates that sessionID exists and is unexpired, then
// registers a new device on it.
func (r *Registry) AdmitDevice(sessionID string, conn *websocket.Conn, info ConnectInfo) (*Session, *DeviceConnection, error) {
	s, ok := r.GetSession(sessionID)
	if !ok {
		return nil, nil, ErrUnknownSession
	}
	if s.Expired() {
		return nil, nil, ErrSessionExpired
	}

	dc := newDeviceConnection(uuid.NewString(), conn, info)
	s.AddDevice(dc)
	return s, dc, nil
}

// RemoveDevice drops a device from its session and closes its stream.
func (r *Registry) RemoveDevice(sessionID, connectionID string, code int, reason string) {
	s, ok := r.GetSession(sessionID)
	if !ok {
		return
	}
	dc, ok := s.RemoveDevice(connectionID)
	if !ok {
		return
	}
	dc.Close(code, reason)
}

// RecordPing updates a device's last-seen time.
func (r *Registry) RecordPing(sessionID, connectionID string) {
	s, ok := r.GetSession(sessionID)
	if !ok {
		return
	}
	if dc, ok := s.Device(connectionID); ok {
		dc.recordPing()
	}
}

// RecordAck updates a device's last-acknowledged sequence number.
func (r *Registry) RecordAck(sessionID, connectionID string, seq uint64) {
	s, ok := r.GetSession(sessionID)
	if !ok {
		return
	}
	if dc, ok := s.Device(connectionID); ok {
		dc.recordAck(seq)
	}
}

// Unacknowledged returns the connection ids of devices whose last-acked
// sequence lags the session's current sequence.
func (r *Registry) Unacknowledged(sessionID string) []string {
	s, ok := r.GetSession(sessionID)
	if !ok {
		return nil
	}
	cur := s.NextSequence()
	var out []string
	for _, dc := range s.Devices() {
		if dc.ackedSequence() < cur {
			out = append(out, dc.ConnectionID)
		}
	}
	return out
}

func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweepStaleDevices()
		}
	}
}

func (r *Registry) sweepStaleDevices() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		for _, dc := range s.Devices() {
			if time.Since(dc.lastPing()) > r.opts.ConnectionTimeout {
				if removed, ok := s.RemoveDevice(dc.ConnectionID); ok {
					removed.Close(ClosePolicyCodeTimeout, "connection timeout")
				}
			}
		}
	}
}

// ClosePolicyCodeTimeout is the close code used for heartbeat-timeout
// disconnects: 1001 ("going away"), distinct from normal closure (1000) and
// from the policy-violation code (1008), since a timed-out device is not
// misbehaving, just unreachable.
const ClosePolicyCodeTimeout = 1001

func (r *Registry) cleanupLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.purgeExpired()
		}
	}
}

func (r *Registry) purgeExpired() {
	r.mu.RLock()
	var expired []string
	for id, s := range r.sessions {
		if s.Expired() {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.DeleteSession(id)
	}
}

// Stats is the aggregate, read-only statistics surface.
type Stats struct {
	SessionCount int            `json:"sessionCount"`
	TotalDevices int            `json:"totalDevices"`
	Sessions     []SessionStats `json:"sessions"`
}

// SessionStats is the per-session breakdown within Stats.
type SessionStats struct {
	Summary Summary   `json:"summary"`
	Devices []Summary `json:"devices"`
}

// Stats computes the current aggregate statistics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := Stats{SessionCount: len(sessions)}
	for _, s := range sessions {
		devices := s.Devices()
		deviceSummaries := make([]Summary, 0, len(devices))
		for _, dc := range devices {
			deviceSummaries = append(deviceSummaries, dc.summary(r.opts.ConnectionTimeout))
		}
		out.TotalDevices += len(devices)
		out.Sessions = append(out.Sessions, SessionStats{
			Summary: s.summary(),
			Devices: deviceSummaries,
		})
	}
	return out
}

// SessionSummary returns a single session's summary and device list, or
// ErrUnknownSession.
func (r *Registry) SessionSummary(id string) (SessionStats, error) {
	s, ok := r.GetSession(id)
	if !ok {
		return SessionStats{}, ErrUnknownSession
	}
	devices := s.Devices()
	deviceSummaries := make([]Summary, 0, len(devices))
	for _, dc := range devices {
		deviceSummaries = append(deviceSummaries, dc.summary(r.opts.ConnectionTimeout))
	}
	return SessionStats{Summary: s.summary(), Devices: deviceSummaries}, nil
}
