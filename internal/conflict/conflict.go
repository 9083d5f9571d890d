// Package conflict detects simultaneous cross-framework edits and persists
// the resulting conflict records.
package conflict

import (
	"sync"
	"time"

	"github.com/bifrost-sync/bifrost/internal/change"
	"github.com/bifrost-sync/bifrost/internal/ir"
)

// DefaultWindow is the default conflict detection window W.
const DefaultWindow = 5 * time.Second

// Type classifies which signal(s) raised a conflict.
type Type string

const (
	TypeTimestamp Type = "timestamp"
	TypeVersion   Type = "version"
	TypeBoth      Type = "both"
)

// Record is a persisted, surviving-restart conflict between the two sides'
// files for a logical IR id.
type Record struct {
	ID                   string    `json:"id"`
	PathA                string    `json:"pathA"`
	PathB                string    `json:"pathB"`
	TimestampA           time.Time `json:"timestampA"`
	TimestampB           time.Time `json:"timestampB"`
	IRVersionAtDetection int       `json:"irVersionAtDetection"`
	DetectedAt           time.Time `json:"detectedAt"`
	Type                 Type      `json:"type"`
	Resolved             bool      `json:"resolved"`
}

type recentEvent struct {
	path string
	at   time.Time
}

// Detector combines the recent-event proximity, mtime, and IR-version-churn
// signals into conflict records. It is stateless with respect to every
// other component: it takes inputs and returns a decision, so it can be
// wired into a pipeline without forming a callback cycle.
type Detector struct {
	window time.Duration

	mu     sync.Mutex
	recent map[string]recentEvent // mapped-path (side Y) -> last event on that path
}

// NewDetector builds a Detector with the given window (DefaultWindow if 0).
func NewDetector(window time.Duration) *Detector {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Detector{window: window, recent: make(map[string]recentEvent)}
}

// Observe records that path was touched at observedAt, for later proximity
// checks from the opposite side.
func (d *Detector) Observe(path string, observedAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent[path] = recentEvent{path: path, at: observedAt}
}

// CheckProximity reports whether mappedPath (the opposite side's path for
// the same logical id) has a recent event within the window of now.
func (d *Detector) CheckProximity(mappedPath string, now time.Time) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ev, ok := d.recent[mappedPath]
	if !ok {
		return time.Time{}, false
	}
	if now.Sub(ev.at).Abs() > d.window {
		return time.Time{}, false
	}
	return ev.at, true
}

// CheckMtime compares two on-disk modification times and reports whether
// their difference is within the conflict window.
func (d *Detector) CheckMtime(mtimeA, mtimeB time.Time) bool {
	delta := mtimeA.Sub(mtimeB)
	if delta < 0 {
		delta = -delta
	}
	return delta <= d.window
}

// CheckVersionChurn reports whether id's IR history has more than one entry
// within the conflict window, counting back from now.
func (d *Detector) CheckVersionChurn(history []ir.HistoryEntry, now time.Time) bool {
	count := 0
	for _, h := range history {
		if now.Sub(h.StoredAt) <= d.window {
			count++
		}
	}
	return count > 1
}

// Evaluate runs all three signals for an event on ev.Framework's side,
// given the opposite side's path, file metadata, and IR history, and
// returns a Record if a simultaneous edit is detected. The caller fills in
// the Record's ID field since Evaluate is id-agnostic.
func (d *Detector) Evaluate(ev change.FileEvent, mappedPath string, mtimeOpposite time.Time, history []ir.HistoryEntry, irVersion int) (Record, bool) {
	now := ev.ObservedAt
	d.Observe(ev.Path, now)

	proximityAt, proximity := d.CheckProximity(mappedPath, now)
	mtimeHit := d.CheckMtime(now, mtimeOpposite)
	churn := d.CheckVersionChurn(history, now)

	if !proximity && !mtimeHit && !churn {
		return Record{}, false
	}

	typ := TypeTimestamp
	switch {
	case churn && (proximity || mtimeHit):
		typ = TypeBoth
	case churn:
		typ = TypeVersion
	}

	pathA, pathB := ev.Path, mappedPath
	tsA, tsB := now, mtimeOpposite
	if ev.Framework == change.FrameworkB {
		pathA, pathB = mappedPath, ev.Path
		tsA, tsB = mtimeOpposite, now
	}
	if proximity && ev.Framework == change.FrameworkB {
		tsA = proximityAt
	} else if proximity {
		tsB = proximityAt
	}

	return Record{
		PathA:                pathA,
		PathB:                pathB,
		TimestampA:           tsA,
		TimestampB:           tsB,
		IRVersionAtDetection: irVersion,
		DetectedAt:           now,
		Type:                 typ,
	}, true
}
