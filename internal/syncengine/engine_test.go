package syncengine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bifrost-sync/bifrost/internal/change"
	"github.com/bifrost-sync/bifrost/internal/conflict"
	"github.com/bifrost-sync/bifrost/internal/convert"
	"github.com/bifrost-sync/bifrost/internal/ir"
	"github.com/bifrost-sync/bifrost/internal/mode"
)

func newTestEngine(t *testing.T, m mode.Mode) (*Engine, string, string) {
	t.Helper()
	rootA := filepath.Join(t.TempDir(), "a")
	rootB := filepath.Join(t.TempDir(), "b")
	if err := os.MkdirAll(rootA, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(rootB, 0o755); err != nil {
		t.Fatal(err)
	}

	store, err := ir.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("ir.NewStore: %v", err)
	}
	cstore, err := conflict.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("conflict.NewStore: %v", err)
	}

	roots := Roots{
		RootA: rootA,
		RootB: rootB,
		ConvA: convert.NewReferenceConverter("A", ".a.json", convert.PascalCase),
		ConvB: convert.NewReferenceConverter("B", ".b.json", convert.SnakeCase),
	}
	eng := New(roots, mode.New(m), store, conflict.NewDetector(5*time.Second), cstore)
	return eng, rootA, rootB
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestEngine_SyncsAToB(t *testing.T) {
	eng, rootA, rootB := newTestEngine(t, mode.Universal)
	srcPath := filepath.Join(rootA, "Button.a.json")
	writeFile(t, srcPath, `hello`)

	batch := []change.Queued{{
		FileEvent: change.FileEvent{Kind: change.Modified, Path: srcPath, Framework: change.FrameworkA, ObservedAt: time.Now()},
	}}
	results := eng.ProcessBatch(context.Background(), batch)
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	res := results[0]
	if res.Kind != ResultSuccess {
		t.Fatalf("Kind = %v, Error = %v", res.Kind, res.Error)
	}
	if _, err := os.Stat(filepath.Join(rootB, "button.b.json")); err != nil {
		t.Errorf("target file not written: %v", err)
	}
}

func TestEngine_ReadOnlySkipped(t *testing.T) {
	eng, rootA, _ := newTestEngine(t, mode.BFirst)
	srcPath := filepath.Join(rootA, "Button.a.json")
	writeFile(t, srcPath, `hello`)

	batch := []change.Queued{{
		FileEvent: change.FileEvent{Kind: change.Modified, Path: srcPath, Framework: change.FrameworkA, ObservedAt: time.Now()},
	}}
	results := eng.ProcessBatch(context.Background(), batch)
	if results[0].Kind != ResultSkipped {
		t.Fatalf("Kind = %v, want skipped", results[0].Kind)
	}
}

func TestEngine_NoOpOnUnchangedDigest(t *testing.T) {
	eng, rootA, _ := newTestEngine(t, mode.Universal)
	srcPath := filepath.Join(rootA, "Button.a.json")
	writeFile(t, srcPath, `hello`)

	ev := change.FileEvent{Kind: change.Modified, Path: srcPath, Framework: change.FrameworkA, ObservedAt: time.Now()}
	first := eng.ProcessBatch(context.Background(), []change.Queued{{FileEvent: ev}})
	if first[0].Kind != ResultSuccess {
		t.Fatalf("first pass: %+v", first[0])
	}

	// Touch the file's mtime without changing content so the fingerprint
	// cache doesn't short-circuit before the digest check gets a chance.
	time.Sleep(5 * time.Millisecond)
	writeFile(t, srcPath, `hello`)

	second := eng.ProcessBatch(context.Background(), []change.Queued{{FileEvent: ev}})
	if second[0].Kind != ResultSuccess || second[0].Reason != "unchanged" {
		t.Fatalf("second pass: %+v, want reason=unchanged", second[0])
	}
}

func TestEngine_RemovalDeletesIRAndReportsTarget(t *testing.T) {
	eng, rootA, rootB := newTestEngine(t, mode.Universal)
	srcPath := filepath.Join(rootA, "Button.a.json")
	writeFile(t, srcPath, `hello`)

	ev := change.FileEvent{Kind: change.Modified, Path: srcPath, Framework: change.FrameworkA, ObservedAt: time.Now()}
	eng.ProcessBatch(context.Background(), []change.Queued{{FileEvent: ev}})

	removeEv := change.FileEvent{Kind: change.Removed, Path: srcPath, Framework: change.FrameworkA, ObservedAt: time.Now()}
	results := eng.ProcessBatch(context.Background(), []change.Queued{{FileEvent: removeEv}})
	if results[0].Kind != ResultSuccess {
		t.Fatalf("removal result: %+v", results[0])
	}
	wantTarget := filepath.Join(rootB, "button.b.json")
	if results[0].TargetPath != wantTarget {
		t.Errorf("TargetPath = %q, want %q", results[0].TargetPath, wantTarget)
	}
}

func TestEngine_ParallelBatchProducesResultPerEvent(t *testing.T) {
	eng, rootA, _ := newTestEngine(t, mode.Universal)

	var batch []change.Queued
	for i := 0; i < ParallelThreshold+2; i++ {
		p := filepath.Join(rootA, "Comp"+string(rune('A'+i))+".a.json")
		writeFile(t, p, "content")
		batch = append(batch, change.Queued{
			FileEvent: change.FileEvent{Kind: change.Modified, Path: p, Framework: change.FrameworkA, ObservedAt: time.Now()},
		})
	}

	results := eng.ProcessBatch(context.Background(), batch)
	if len(results) != len(batch) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(batch))
	}
	for _, r := range results {
		if r.Kind != ResultSuccess {
			t.Errorf("unexpected result: %+v", r)
		}
	}
}
