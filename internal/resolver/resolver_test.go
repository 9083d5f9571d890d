package resolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bifrost-sync/bifrost/internal/conflict"
	"github.com/bifrost-sync/bifrost/internal/convert"
	"github.com/bifrost-sync/bifrost/internal/ir"
)

func TestBackupFile_CreatesTimestampedSibling(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Button.tsx")
	if err := os.WriteFile(path, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}

	backupPath, err := BackupFile(path)
	if err != nil {
		t.Fatalf("BackupFile: %v", err)
	}
	data, err := os.ReadFile(backupPath)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(data) != "original" {
		t.Errorf("backup contents = %q, want %q", data, "original")
	}
	if filepath.Ext(backupPath) != ".tsx" {
		t.Errorf("backup extension = %q, want .tsx", filepath.Ext(backupPath))
	}
}

func TestListBackups_MostRecentFirst(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Button.tsx")
	os.WriteFile(path, []byte("v1"), 0o644)

	os.WriteFile(filepath.Join(dir, "Button.backup.100.tsx"), []byte("old"), 0o644)
	os.WriteFile(filepath.Join(dir, "Button.backup.300.tsx"), []byte("newest"), 0o644)
	os.WriteFile(filepath.Join(dir, "Button.backup.200.tsx"), []byte("mid"), 0o644)

	backups, err := ListBackups(path)
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(backups) != 3 {
		t.Fatalf("len(backups) = %d, want 3", len(backups))
	}
	if filepath.Base(backups[0]) != "Button.backup.300.tsx" {
		t.Errorf("backups[0] = %q, want the 300 stamp first", backups[0])
	}
	if filepath.Base(backups[2]) != "Button.backup.100.tsx" {
		t.Errorf("backups[2] = %q, want the 100 stamp last", backups[2])
	}
}

func TestCleanupBackups_PrunesOlderThanKeep(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Button.tsx")
	os.WriteFile(filepath.Join(dir, "Button.backup.100.tsx"), []byte("a"), 0o644)
	os.WriteFile(filepath.Join(dir, "Button.backup.200.tsx"), []byte("b"), 0o644)
	os.WriteFile(filepath.Join(dir, "Button.backup.300.tsx"), []byte("c"), 0o644)

	if err := CleanupBackups(path, 1); err != nil {
		t.Fatalf("CleanupBackups: %v", err)
	}

	backups, err := ListBackups(path)
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("len(backups) after cleanup = %d, want 1", len(backups))
	}
	if filepath.Base(backups[0]) != "Button.backup.300.tsx" {
		t.Errorf("kept backup = %q, want the newest", backups[0])
	}
}

func TestResolver_UseA_RegeneratesBAndMarksResolved(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	pathA := filepath.Join(dirA, "button.a.json")
	pathB := filepath.Join(dirB, "button.b.json")
	os.WriteFile(pathA, []byte(`{"schemaVersion":"1","roots":["root"],"nodes":{"root":{"id":"root","type":"raw","props":{"text":"a-content"}}}}`), 0o644)
	os.WriteFile(pathB, []byte("stale b content"), 0o644)

	irStore, err := ir.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("ir.NewStore: %v", err)
	}
	cstore, err := conflict.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("conflict.NewStore: %v", err)
	}

	rec := conflict.Record{ID: "A::button", PathA: pathA, PathB: pathB, DetectedAt: time.Now()}
	if err := cstore.Add(rec); err != nil {
		t.Fatalf("Add: %v", err)
	}

	convA := convert.NewReferenceConverter("A", ".a.json", convert.PascalCase)
	convB := convert.NewReferenceConverter("B", ".b.json", convert.SnakeCase)
	res := New(cstore, irStore, convA, convB)

	if err := res.Resolve(context.Background(), rec, UseA); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	backups, err := ListBackups(pathB)
	if err != nil || len(backups) != 1 {
		t.Fatalf("expected one backup of pathB, got %v, err=%v", backups, err)
	}

	got, found, err := cstore.Get(rec.ID)
	if err != nil || !found {
		t.Fatalf("Get: found=%v, err=%v", found, err)
	}
	if !got.Resolved {
		t.Errorf("conflict not marked resolved")
	}

	if rec2, found2, _ := irStore.Load(rec.ID); !found2 || rec2.Body.Framework != "A" {
		t.Errorf("IR store not updated from side A: found=%v", found2)
	}
}

func TestResolver_Skip_LeavesConflictUnresolved(t *testing.T) {
	cstore, _ := conflict.NewStore(t.TempDir())
	irStore, _ := ir.NewStore(t.TempDir())
	rec := conflict.Record{ID: "x", DetectedAt: time.Now()}
	cstore.Add(rec)

	res := New(cstore, irStore, nil, nil)
	if err := res.Resolve(context.Background(), rec, Skip); err != nil {
		t.Fatalf("Resolve(skip): %v", err)
	}

	got, _, _ := cstore.Get("x")
	if got.Resolved {
		t.Errorf("skip should leave conflict unresolved")
	}
}

func TestResolver_UnknownChoice(t *testing.T) {
	cstore, _ := conflict.NewStore(t.TempDir())
	irStore, _ := ir.NewStore(t.TempDir())
	res := New(cstore, irStore, nil, nil)

	err := res.Resolve(context.Background(), conflict.Record{ID: "x"}, Choice("bogus"))
	if err == nil {
		t.Fatalf("expected error for unknown choice")
	}
}
