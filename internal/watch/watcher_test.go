package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bifrost-sync/bifrost/internal/change"
)

func TestWatcher_EmitsEventOnWrite(t *testing.T) {
	rootA := t.TempDir()
	w, err := New(Options{
		RootA:     rootA,
		Debounce:  20 * time.Millisecond,
		Stability: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer w.Stop()

	target := filepath.Join(rootA, "button.tsx")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path != target {
			t.Errorf("expected path %s, got %s", target, ev.Path)
		}
		if ev.Framework != change.FrameworkA {
			t.Errorf("expected framework A, got %s", ev.Framework)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestCombineKind(t *testing.T) {
	tests := []struct {
		name string
		old  change.Kind
		next change.Kind
		want change.Kind
	}{
		{"added then modified coalesces to modified", change.Added, change.Modified, change.Modified},
		{"removed always supersedes", change.Modified, change.Removed, change.Removed},
		{"removed sticky", change.Removed, change.Modified, change.Removed},
		{"modified then modified stays modified", change.Modified, change.Modified, change.Modified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := combineKind(tt.old, tt.next)
			if got != tt.want {
				t.Errorf("combineKind(%s, %s) = %s, want %s", tt.old, tt.next, got, tt.want)
			}
		})
	}
}
