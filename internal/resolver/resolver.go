// Package resolver applies a human's resolution choice to a detected
// conflict: pick a side of truth, regenerate the other, and back up what it
// overwrites.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bifrost-sync/bifrost/internal/bferr"
	"github.com/bifrost-sync/bifrost/internal/change"
	"github.com/bifrost-sync/bifrost/internal/conflict"
	"github.com/bifrost-sync/bifrost/internal/convert"
	"github.com/bifrost-sync/bifrost/internal/ir"
)

// Choice is the operator's decision for how to resolve a ConflictRecord.
type Choice string

const (
	UseA        Choice = "use-A"
	UseB        Choice = "use-B"
	ManualMerge Choice = "manual-merge"
	Skip        Choice = "skip"
)

// ErrUnknownChoice is returned for a Choice value the resolver does not
// recognize.
var ErrUnknownChoice = errors.New("resolver: unknown choice")

// Resolver carries out resolution choices against the conflict store and
// IR store, using a framework's converter pair.
type Resolver struct {
	conflicts *conflict.Store
	irStore   *ir.Store
	convA     convert.Converter
	convB     convert.Converter
}

// New builds a Resolver.
func New(conflicts *conflict.Store, irStore *ir.Store, convA, convB convert.Converter) *Resolver {
	return &Resolver{conflicts: conflicts, irStore: irStore, convA: convA, convB: convB}
}

// Get returns the conflict record for id.
func (r *Resolver) Get(id string) (conflict.Record, bool, error) {
	return r.conflicts.Get(id)
}

// Unresolved returns every conflict record still awaiting a resolution
// choice.
func (r *Resolver) Unresolved() ([]conflict.Record, error) {
	return r.conflicts.Unresolved()
}

// Resolve applies choice to the conflict record for id.
func (r *Resolver) Resolve(ctx context.Context, rec conflict.Record, choice Choice) error {
	switch choice {
	case UseA:
		return r.useSide(ctx, rec, change.FrameworkA)
	case UseB:
		return r.useSide(ctx, rec, change.FrameworkB)
	case ManualMerge:
		return r.manualMerge(rec)
	case Skip:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownChoice, choice)
	}
}

// ResolveManualMerge completes a manual-merge conflict by treating
// sideOfTruth as authoritative, the same as a direct use-A/use-B choice.
func (r *Resolver) ResolveManualMerge(ctx context.Context, rec conflict.Record, sideOfTruth change.Framework) error {
	return r.useSide(ctx, rec, sideOfTruth)
}

func (r *Resolver) useSide(ctx context.Context, rec conflict.Record, truth change.Framework) error {
	var sourcePath, targetPath string
	var sourceConv, targetConv convert.Converter
	if truth == change.FrameworkA {
		sourcePath, targetPath = rec.PathA, rec.PathB
		sourceConv, targetConv = r.convA, r.convB
	} else {
		sourcePath, targetPath = rec.PathB, rec.PathA
		sourceConv, targetConv = r.convB, r.convA
	}

	body, err := sourceConv.SourceToIR(ctx, sourcePath)
	if err != nil {
		return bferr.New(bferr.KindParse, "resolver.useSide", err)
	}

	if _, err := r.irStore.Store(rec.ID, body); err != nil {
		return bferr.New(bferr.KindIO, "resolver.useSide.store", err)
	}

	if _, err := BackupFile(targetPath); err != nil && !os.IsNotExist(err) {
		return bferr.New(bferr.KindIO, "resolver.useSide.backup", err)
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return bferr.New(bferr.KindIO, "resolver.useSide.mkdir", err)
	}
	if err := targetConv.IRToSource(ctx, body, targetPath); err != nil {
		return bferr.New(bferr.KindParse, "resolver.useSide.regenerate", err)
	}

	if _, err := r.conflicts.MarkResolved(rec.ID); err != nil {
		return bferr.New(bferr.KindIO, "resolver.useSide.markResolved", err)
	}
	return nil
}

func (r *Resolver) manualMerge(rec conflict.Record) error {
	if _, err := BackupFile(rec.PathA); err != nil && !os.IsNotExist(err) {
		return bferr.New(bferr.KindIO, "resolver.manualMerge.backupA", err)
	}
	if _, err := BackupFile(rec.PathB); err != nil && !os.IsNotExist(err) {
		return bferr.New(bferr.KindIO, "resolver.manualMerge.backupB", err)
	}
	// Leave the conflict record unresolved: resolveManualMerge finishes the
	// job later via ResolveManualMerge.
	return nil
}

// BackupFile copies path to a timestamped sibling "<base>.backup.<epochMs><ext>"
// and returns the backup's path.
func BackupFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	backupPath := backupPathFor(path)
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return "", err
	}
	return backupPath, nil
}

func backupPathFor(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s.backup.%d%s", base, time.Now().UnixMilli(), ext)
}

// RestoreBackup copies a backup file back over its original path.
func RestoreBackup(backupPath, originalPath string) error {
	src, err := os.Open(backupPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(originalPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// ListBackups returns every backup sibling of path, most-recent-first.
func ListBackups(path string) ([]string, error) {
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	base := filepath.Base(strings.TrimSuffix(path, ext))
	prefix := base + ".backup."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type stamped struct {
		path  string
		epoch int64
	}
	var found []stamped
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		stampStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ext)
		epoch, err := strconv.ParseInt(stampStr, 10, 64)
		if err != nil {
			continue
		}
		found = append(found, stamped{path: filepath.Join(dir, name), epoch: epoch})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].epoch > found[j].epoch })

	out := make([]string, len(found))
	for i, f := range found {
		out[i] = f.path
	}
	return out, nil
}

// CleanupBackups prunes all but the keep most recent backups of path.
func CleanupBackups(path string, keep int) error {
	backups, err := ListBackups(path)
	if err != nil {
		return err
	}
	if keep < 0 {
		keep = 0
	}
	if len(backups) <= keep {
		return nil
	}
	for _, stale := range backups[keep:] {
		if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
