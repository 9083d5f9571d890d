// Package queue implements the priority/debounce/batch/deduplicate change
// queue that sits between the file watcher and the sync engine.
package queue

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bifrost-sync/bifrost/internal/change"
)

// Options configures a Queue.
type Options struct {
	MaxQueueSize int
	BatchSize    int
	BatchDelay   time.Duration
}

// Defaults match the component contract's stated defaults.
const (
	DefaultBatchSize  = 32
	DefaultBatchDelay = 50 * time.Millisecond
	DefaultMaxSize    = 2048
)

// CapacityWarning is emitted when the queue drops an item because it is
// full.
type CapacityWarning struct {
	DroppedPath string
	QueueLen    int
	At          time.Time
}

// Queue holds pending change.Queued items sorted by (priority, enqueuedAt)
// and cuts them into batches either by size or by a debounce timer. Exactly
// one batch is in flight at a time; events accumulated while a batch is
// being processed trigger a follow-up batch once MarkDone is called.
type Queue struct {
	opts Options

	mu       sync.Mutex
	items    []change.Queued
	timer    *time.Timer
	inFlight bool
	followUp bool

	out      chan []change.Queued
	warnings chan CapacityWarning
}

// New creates a Queue with the given options, filling in defaults for any
// zero value.
func New(opts Options) *Queue {
	if opts.BatchSize == 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchDelay == 0 {
		opts.BatchDelay = DefaultBatchDelay
	}
	if opts.MaxQueueSize == 0 {
		opts.MaxQueueSize = DefaultMaxSize
	}
	return &Queue{
		opts:     opts,
		out:      make(chan []change.Queued, 1),
		warnings: make(chan CapacityWarning, 16),
	}
}

// Out returns the channel on which cut batches are delivered. A consumer
// must call MarkDone after finishing a batch before the next one is cut.
func (q *Queue) Out() <-chan []change.Queued { return q.out }

// Warnings returns the channel on which capacity-drop warnings are
// delivered.
func (q *Queue) Warnings() <-chan CapacityWarning { return q.warnings }

// classifyPriority derives priority from path heuristics: well-known
// entry-point names are high priority, test/doc files are low priority,
// everything else is normal.
func classifyPriority(path string) change.Priority {
	base := strings.ToLower(filepath.Base(path))
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	switch stem {
	case "index", "main", "app":
		return change.PriorityHigh
	}

	if strings.HasSuffix(stem, "_test") || strings.HasSuffix(stem, ".test") || strings.HasSuffix(stem, ".spec") {
		return change.PriorityLow
	}
	if strings.Contains(path, string(filepath.Separator)+"test"+string(filepath.Separator)) ||
		strings.Contains(path, string(filepath.Separator)+"docs"+string(filepath.Separator)) {
		return change.PriorityLow
	}
	if strings.HasSuffix(base, ".md") {
		return change.PriorityLow
	}

	return change.PriorityNormal
}

// Enqueue admits a file event, assigning it a priority and inserting it in
// sorted (priority, enqueuedAt) order. If the queue is at capacity, the
// oldest item is dropped and a CapacityWarning fires.
func (q *Queue) Enqueue(ev change.FileEvent) {
	q.mu.Lock()

	queued := change.Queued{
		FileEvent:  ev,
		Priority:   classifyPriority(ev.Path),
		EnqueuedAt: time.Now(),
	}

	if len(q.items) >= q.opts.MaxQueueSize {
		oldest := 0
		for i := range q.items {
			if q.items[i].EnqueuedAt.Before(q.items[oldest].EnqueuedAt) {
				oldest = i
			}
		}
		dropped := q.items[oldest]
		q.items = append(q.items[:oldest], q.items[oldest+1:]...)
		select {
		case q.warnings <- CapacityWarning{DroppedPath: dropped.Path, QueueLen: len(q.items), At: time.Now()}:
		default:
		}
	}

	idx := sort.Search(len(q.items), func(i int) bool {
		if q.items[i].Priority != queued.Priority {
			return q.items[i].Priority > queued.Priority
		}
		return q.items[i].EnqueuedAt.After(queued.EnqueuedAt)
	})
	q.items = append(q.items, change.Queued{})
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = queued

	shouldCut := len(q.items) >= q.opts.BatchSize
	if q.timer == nil {
		q.timer = time.AfterFunc(q.opts.BatchDelay, q.onTimer)
	}
	q.mu.Unlock()

	if shouldCut {
		q.cut()
	}
}

func (q *Queue) onTimer() {
	q.mu.Lock()
	q.timer = nil
	q.mu.Unlock()
	q.cut()
}

// cut removes the current pending items (deduplicated, last-wins per path)
// and, if no batch is already in flight, delivers them on Out. If a batch
// is already in flight, the cut items are pushed back and a follow-up is
// scheduled for when MarkDone fires.
func (q *Queue) cut() {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	if q.inFlight {
		q.followUp = true
		q.mu.Unlock()
		return
	}

	batch := dedupe(q.items)
	q.items = nil
	q.inFlight = true
	q.mu.Unlock()

	q.out <- batch
}

// dedupe keeps only the last (by EnqueuedAt) event per path, preserving the
// relative order of survivors.
func dedupe(items []change.Queued) []change.Queued {
	last := make(map[string]int, len(items))
	for i, it := range items {
		last[it.Path] = i
	}
	result := make([]change.Queued, 0, len(last))
	for i, it := range items {
		if last[it.Path] == i {
			result = append(result, it)
		}
	}
	return result
}

// MarkDone tells the queue the previously delivered batch has finished
// processing. If events accumulated in the meantime, a follow-up batch is
// cut immediately.
func (q *Queue) MarkDone() {
	q.mu.Lock()
	q.inFlight = false
	followUp := q.followUp
	q.followUp = false
	q.mu.Unlock()

	if followUp {
		q.cut()
	}
}

// Len returns the number of items currently waiting (not counting any
// batch already delivered and in flight).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
