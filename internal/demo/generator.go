// Package demo drives synthetic file-change events through the real
// queue -> sync engine -> dispatcher pipeline using the reference JSON
// converter, so the whole fabric can be exercised end-to-end without
// wiring a real framework parser/generator.
package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/bifrost-sync/bifrost/internal/change"
	"github.com/bifrost-sync/bifrost/internal/ir"
	"github.com/bifrost-sync/bifrost/internal/queue"
)

// componentNames is the fixture pool of synthetic component stems the
// generator cycles through, mirroring the teacher's fixed pool of mock
// session identities.
var componentNames = []string{
	"Button", "Header", "UserCard", "SettingsPanel", "NavMenu", "Footer",
}

// Generator periodically writes a synthetic source file under rootA and
// enqueues the corresponding change event, so a demo run can be observed
// end-to-end without any real framework source tree.
type Generator struct {
	rootA string
	queue *queue.Queue
	tick  time.Duration
}

// New builds a Generator that writes files into rootA (created if
// necessary) and enqueues their change events onto q.
func New(rootA string, q *queue.Queue, tick time.Duration) *Generator {
	if tick <= 0 {
		tick = 2 * time.Second
	}
	return &Generator{rootA: rootA, queue: q, tick: tick}
}

// Run drives the generator until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	if err := os.MkdirAll(g.rootA, 0o755); err != nil {
		return fmt.Errorf("demo: create root: %w", err)
	}

	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.emit(n)
			n++
		}
	}
}

func (g *Generator) emit(n int) {
	name := componentNames[n%len(componentNames)]
	path := filepath.Join(g.rootA, name+".a.json")

	doc := ir.Document{
		SchemaVersion: "1",
		Framework:     "A",
		SourcePath:    path,
		Roots:         []string{"root"},
		Nodes: map[string]ir.Node{
			"root": {
				ID:   "root",
				Type: "component",
				Props: map[string]string{
					"label": fmt.Sprintf("%s-%d", name, rand.Intn(1000)),
				},
			},
		},
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return
	}
	_, statErr := os.Stat(path)
	kind := change.Modified
	if os.IsNotExist(statErr) {
		kind = change.Added
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return
	}

	g.queue.Enqueue(change.FileEvent{
		Kind:       kind,
		Path:       path,
		Framework:  change.FrameworkA,
		ObservedAt: time.Now(),
	})
}
