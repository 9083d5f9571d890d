package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bifrost-sync/bifrost/internal/ir"
)

// ReferenceConverter is a trivial converter used by tests and demo mode: it
// round-trips an IR document to and from its own JSON encoding rather than
// parsing a real framework's source format. It stands in for the two
// out-of-scope collaborators (SourceToIR/IRToSource).
type ReferenceConverter struct {
	framework  string
	ext        string
	convention Convention
}

// NewReferenceConverter builds a ReferenceConverter for the given framework
// tag, file extension (including leading dot), and naming convention.
func NewReferenceConverter(framework, ext string, convention Convention) *ReferenceConverter {
	return &ReferenceConverter{framework: framework, ext: ext, convention: convention}
}

func (c *ReferenceConverter) SourceToIR(_ context.Context, path string) (ir.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ir.Document{}, fmt.Errorf("convert: read %s: %w", path, err)
	}

	var doc ir.Document
	if err := json.Unmarshal(data, &doc); err == nil && doc.SchemaVersion != "" {
		doc.Framework = c.framework
		doc.SourcePath = path
		doc.GeneratedAt = time.Now()
		return doc, nil
	}

	// Not a pre-encoded IR document: synthesize a single-node document
	// wrapping the raw file contents, so any text file can round-trip.
	return ir.Document{
		SchemaVersion: "1",
		Framework:     c.framework,
		SourcePath:    path,
		GeneratedAt:   time.Now(),
		Roots:         []string{"root"},
		Nodes: map[string]ir.Node{
			"root": {ID: "root", Type: "raw", Props: map[string]string{"text": string(data)}},
		},
	}, nil
}

func (c *ReferenceConverter) IRToSource(_ context.Context, body ir.Document, outPath string) error {
	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return fmt.Errorf("convert: marshal ir for %s: %w", outPath, err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("convert: write %s: %w", outPath, err)
	}
	return nil
}

func (c *ReferenceConverter) IsTestPath(path string) bool {
	base := strings.ToLower(path)
	return strings.Contains(base, "_test"+c.ext) || strings.Contains(base, ".test"+c.ext) || strings.Contains(base, ".spec"+c.ext)
}

func (c *ReferenceConverter) Extension() string { return c.ext }

func (c *ReferenceConverter) NamingConvention() Convention { return c.convention }
