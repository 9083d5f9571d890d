package convert

import (
	"fmt"
	"path/filepath"
	"strings"
)

// MapPath mirrors a path from one framework root to another: it replaces
// the fromRoot prefix with toRoot, renames the file stem to the target
// convention, and swaps the extension.
func MapPath(path, fromRoot, toRoot string, toConvention Convention, toExt string) (string, error) {
	rel, err := filepath.Rel(fromRoot, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("convert: %s is not under %s", path, fromRoot)
	}

	dir := filepath.Dir(rel)
	base := filepath.Base(rel)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	mirroredStem := Rename(stem, toConvention)
	mirroredBase := mirroredStem + toExt

	if dir == "." {
		return filepath.Join(toRoot, mirroredBase), nil
	}
	return filepath.Join(toRoot, dir, mirroredBase), nil
}

// RelPath returns path relative to root, for IR id derivation.
func RelPath(path, root string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("convert: %s is not under %s", path, root)
	}
	return rel, nil
}
