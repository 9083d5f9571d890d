// Package syncengine orchestrates the conversion of a batch of file-change
// events into IR store writes and mirrored-side regeneration: the Sync
// Engine named in the sync fabric's architecture.
package syncengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bifrost-sync/bifrost/internal/bferr"
	"github.com/bifrost-sync/bifrost/internal/change"
	"github.com/bifrost-sync/bifrost/internal/conflict"
	"github.com/bifrost-sync/bifrost/internal/convert"
	"github.com/bifrost-sync/bifrost/internal/ir"
	"github.com/bifrost-sync/bifrost/internal/metrics"
	"github.com/bifrost-sync/bifrost/internal/mode"
)

// ResultKind classifies the outcome of processing one queued event.
type ResultKind string

const (
	ResultSuccess  ResultKind = "success"
	ResultError    ResultKind = "error"
	ResultSkipped  ResultKind = "skipped"
	ResultConflict ResultKind = "conflict"
)

// Result is the per-event outcome returned from ProcessBatch.
type Result struct {
	Path       string
	Kind       ResultKind
	Reason     string
	Error      error
	TargetPath string
	IRVersion  int
}

// ParallelThreshold is the batch size at or above which events are
// processed concurrently across a bounded worker pool rather than strictly
// in arrival order.
const ParallelThreshold = 8

// DefaultWorkers bounds the per-batch worker pool used once a batch meets
// ParallelThreshold.
const DefaultWorkers = 4

// Roots pairs each framework with its watch root and converter.
type Roots struct {
	RootA string
	RootB string
	ConvA convert.Converter
	ConvB convert.Converter
}

func (r Roots) root(fw change.Framework) string {
	if fw == change.FrameworkA {
		return r.RootA
	}
	return r.RootB
}

func (r Roots) converter(fw change.Framework) convert.Converter {
	if fw == change.FrameworkA {
		return r.ConvA
	}
	return r.ConvB
}

// Engine implements the processBatch([queued]) -> [result] contract.
type Engine struct {
	roots         Roots
	mode          *mode.Controller
	irStore       *ir.Store
	detector      *conflict.Detector
	conflictStore *conflict.Store
	workers       int
	metrics       *metrics.Metrics

	cacheMu sync.Mutex
	cache   map[string]cacheEntry // path -> last-seen (mtime, size) fingerprint
}

type cacheEntry struct {
	mtime time.Time
	size  int64
}

// New builds an Engine.
func New(roots Roots, ctrl *mode.Controller, irStore *ir.Store, detector *conflict.Detector, conflictStore *conflict.Store) *Engine {
	return &Engine{
		roots:         roots,
		mode:          ctrl,
		irStore:       irStore,
		detector:      detector,
		conflictStore: conflictStore,
		workers:       DefaultWorkers,
		cache:         make(map[string]cacheEntry),
	}
}

// SetMetrics attaches a metrics collector for conversion-duration
// observations. m may be nil, in which case observations are no-ops.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// ProcessBatch runs each event in the batch through the eight-step
// contract. Batches at or above ParallelThreshold fan out across a bounded
// worker pool; smaller batches run strictly in arrival order so callers can
// rely on ordering for small, latency-sensitive batches.
func (e *Engine) ProcessBatch(ctx context.Context, batch []change.Queued) []Result {
	if len(batch) >= ParallelThreshold {
		return e.processParallel(ctx, batch)
	}
	results := make([]Result, len(batch))
	for i, q := range batch {
		results[i] = e.processOne(ctx, q)
	}
	return results
}

func (e *Engine) processParallel(ctx context.Context, batch []change.Queued) []Result {
	results := make([]Result, len(batch))
	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	for i, q := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, q change.Queued) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.processOne(ctx, q)
		}(i, q)
	}
	wg.Wait()
	return results
}

func (e *Engine) processOne(ctx context.Context, q change.Queued) Result {
	ev := q.FileEvent

	if ev.Kind == change.Removed {
		return e.processRemoval(ev)
	}

	conv := e.roots.converter(ev.Framework)
	if conv.IsTestPath(ev.Path) {
		return e.processTestFile(ctx, ev, conv)
	}

	if e.mode.IsReadOnly(ev.Framework) {
		return Result{Path: ev.Path, Kind: ResultSkipped, Reason: "read-only in mode"}
	}

	if e.mode.ConflictDetectionEnabled() {
		if res, conflicted := e.checkConflict(ev); conflicted {
			return res
		}
	}

	if e.fingerprintUnchanged(ev.Path) {
		return Result{Path: ev.Path, Kind: ResultSuccess, Reason: "unchanged"}
	}

	start := time.Now()
	body, err := conv.SourceToIR(ctx, ev.Path)
	e.metrics.ObserveConversion("sourceToIR", time.Since(start).Seconds())
	if err != nil {
		return Result{Path: ev.Path, Kind: ResultError, Error: bferr.New(bferr.KindParse, "syncengine.SourceToIR", err)}
	}

	id := ir.DeriveID(string(ev.Framework), e.relPath(ev))

	changed, err := e.irStore.HasChanged(id, body)
	if err != nil {
		return Result{Path: ev.Path, Kind: ResultError, Error: err}
	}
	if !changed {
		return Result{Path: ev.Path, Kind: ResultSuccess, Reason: "unchanged"}
	}

	version, err := e.irStore.Store(id, body)
	if err != nil {
		return Result{Path: ev.Path, Kind: ResultError, Error: err}
	}

	target := e.mode.TargetFramework(ev.Framework)
	targetConv := e.roots.converter(target)
	targetPath, err := convert.MapPath(ev.Path, e.roots.root(ev.Framework), e.roots.root(target), targetConv.NamingConvention(), targetConv.Extension())
	if err != nil {
		return Result{Path: ev.Path, Kind: ResultError, Error: bferr.New(bferr.KindInvariant, "syncengine.MapPath", err), IRVersion: version}
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return Result{Path: ev.Path, Kind: ResultError, Error: bferr.New(bferr.KindIO, "syncengine.mkdir", err), IRVersion: version}
	}
	start = time.Now()
	err = targetConv.IRToSource(ctx, body, targetPath)
	e.metrics.ObserveConversion("irToSource", time.Since(start).Seconds())
	if err != nil {
		return Result{Path: ev.Path, Kind: ResultError, Error: bferr.New(bferr.KindParse, "syncengine.IRToSource", err), IRVersion: version}
	}

	e.recordFingerprint(ev.Path)
	return Result{Path: ev.Path, Kind: ResultSuccess, TargetPath: targetPath, IRVersion: version}
}

// fingerprintUnchanged reports whether path's (mtime, size) match the last
// time this engine processed it, letting a repeated conversion of an
// untouched file skip the converter call entirely. A stat failure (e.g. the
// file has since been removed) is treated as "not cached" rather than an
// error; the subsequent SourceToIR call will surface the real problem.
func (e *Engine) fingerprintUnchanged(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	prev, ok := e.cache[path]
	return ok && prev.mtime.Equal(info.ModTime()) && prev.size == info.Size()
}

func (e *Engine) recordFingerprint(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	e.cacheMu.Lock()
	e.cache[path] = cacheEntry{mtime: info.ModTime(), size: info.Size()}
	e.cacheMu.Unlock()
}

func (e *Engine) processRemoval(ev change.FileEvent) Result {
	id := ir.DeriveID(string(ev.Framework), e.relPath(ev))
	if err := e.irStore.Delete(id); err != nil {
		return Result{Path: ev.Path, Kind: ResultError, Error: err}
	}

	target := e.mode.TargetFramework(ev.Framework)
	targetConv := e.roots.converter(target)
	targetPath, err := convert.MapPath(ev.Path, e.roots.root(ev.Framework), e.roots.root(target), targetConv.NamingConvention(), targetConv.Extension())
	if err != nil {
		return Result{Path: ev.Path, Kind: ResultError, Error: bferr.New(bferr.KindInvariant, "syncengine.processRemoval", err)}
	}

	e.cacheMu.Lock()
	delete(e.cache, ev.Path)
	delete(e.cache, targetPath)
	e.cacheMu.Unlock()

	return Result{Path: ev.Path, Kind: ResultSuccess, TargetPath: targetPath, Reason: "removed"}
}

// processTestFile converts a test source to IR and stores it; the opposite
// side's file is not regenerated. When the converter declares it cannot
// handle test files, a stub is generated on the opposite side instead.
func (e *Engine) processTestFile(ctx context.Context, ev change.FileEvent, conv convert.Converter) Result {
	if e.mode.IsReadOnly(ev.Framework) {
		return Result{Path: ev.Path, Kind: ResultSkipped, Reason: "read-only in mode"}
	}

	body, err := conv.SourceToIR(ctx, ev.Path)
	if _, unsupported := err.(*convert.ErrUnsupported); unsupported {
		target := e.mode.TargetFramework(ev.Framework)
		targetConv := e.roots.converter(target)
		targetPath, mapErr := convert.MapPath(ev.Path, e.roots.root(ev.Framework), e.roots.root(target), targetConv.NamingConvention(), targetConv.Extension())
		if mapErr != nil {
			return Result{Path: ev.Path, Kind: ResultError, Error: bferr.New(bferr.KindInvariant, "syncengine.processTestFile", mapErr)}
		}
		stub := ir.Document{
			SchemaVersion: "1",
			Framework:     string(target),
			SourcePath:    ev.Path,
			GeneratedAt:   ev.ObservedAt,
		}
		if mkErr := os.MkdirAll(filepath.Dir(targetPath), 0o755); mkErr != nil {
			return Result{Path: ev.Path, Kind: ResultError, Error: bferr.New(bferr.KindIO, "syncengine.processTestFile", mkErr)}
		}
		if genErr := targetConv.IRToSource(ctx, stub, targetPath); genErr != nil {
			return Result{Path: ev.Path, Kind: ResultError, Error: bferr.New(bferr.KindParse, "syncengine.processTestFile", genErr)}
		}
		return Result{Path: ev.Path, Kind: ResultSuccess, TargetPath: targetPath, Reason: "test stub generated"}
	}
	if err != nil {
		return Result{Path: ev.Path, Kind: ResultError, Error: bferr.New(bferr.KindParse, "syncengine.processTestFile", err)}
	}

	id := ir.DeriveID(string(ev.Framework), e.relPath(ev))
	version, err := e.irStore.Store(id, body)
	if err != nil {
		return Result{Path: ev.Path, Kind: ResultError, Error: err}
	}
	return Result{Path: ev.Path, Kind: ResultSuccess, Reason: "test file synced", IRVersion: version}
}

func (e *Engine) checkConflict(ev change.FileEvent) (Result, bool) {
	target := e.mode.TargetFramework(ev.Framework)
	targetConv := e.roots.converter(target)
	mappedPath, err := convert.MapPath(ev.Path, e.roots.root(ev.Framework), e.roots.root(target), targetConv.NamingConvention(), targetConv.Extension())
	if err != nil {
		return Result{}, false
	}

	id := ir.DeriveID(string(ev.Framework), e.relPath(ev))
	history, _ := e.irStore.History(id)
	version := e.irStore.CurrentVersion(id)

	// A missing opposite-side file can't have a conflicting mtime; fall
	// back to a time far outside the window so the mtime signal stays
	// silent and only proximity/churn can still fire.
	mtimeOpposite := ev.ObservedAt.Add(-24 * time.Hour)
	if info, err := os.Stat(mappedPath); err == nil {
		mtimeOpposite = info.ModTime()
	}

	rec, conflicted := e.detector.Evaluate(ev, mappedPath, mtimeOpposite, history, version)
	if !conflicted {
		return Result{}, false
	}
	rec.ID = id

	if e.conflictStore != nil {
		_ = e.conflictStore.Add(rec)
	}

	return Result{Path: ev.Path, Kind: ResultConflict, Reason: fmt.Sprintf("conflict with %s", mappedPath)}, true
}

func (e *Engine) relPath(ev change.FileEvent) string {
	root := e.roots.root(ev.Framework)
	rel, err := convert.RelPath(ev.Path, root)
	if err != nil {
		return filepath.Base(ev.Path)
	}
	return strings.TrimPrefix(rel, string(filepath.Separator))
}
