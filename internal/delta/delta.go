// Package delta computes schema deltas between IR document versions and
// decides whether an update should be sent full or incremental.
package delta

import (
	"encoding/json"

	"github.com/bifrost-sync/bifrost/internal/ir"
)

// Delta is the structural difference between two IR documents, keyed by
// stable node id.
type Delta struct {
	Added    []ir.Node `json:"added"`
	Modified []ir.Node `json:"modified"`
	Removed  []string  `json:"removed"`
	// Roots is the new document's root list. It rides along on every
	// delta (roots are a small ordered id list) so Apply can reconstruct
	// forest membership without inferring it from node-level changes.
	Roots []string `json:"roots"`
}

// Compute builds the Delta taking prev to next.
func Compute(prev, next ir.Document) Delta {
	d := Delta{Roots: next.Roots}

	for id, node := range next.Nodes {
		old, existed := prev.Nodes[id]
		if !existed {
			d.Added = append(d.Added, node)
			continue
		}
		if !old.Equal(node) {
			d.Modified = append(d.Modified, node)
		}
	}
	for id := range prev.Nodes {
		if _, stillPresent := next.Nodes[id]; !stillPresent {
			d.Removed = append(d.Removed, id)
		}
	}

	return d
}

// Shape is the wire representation chosen for an update.
type Shape string

const (
	Full        Shape = "full"
	Incremental Shape = "incremental"
)

// DefaultIncrementalFraction is the share of a document's nodes that may
// change before a delta is considered "too large" and a full update is
// sent instead.
const DefaultIncrementalFraction = 0.4

// ChooseShape decides whether d should be sent as an incremental update
// relative to next, or whether a full document should be sent instead. A
// next document with no nodes always yields Full; against a non-empty
// document, a delta with no changes yields Incremental.
func ChooseShape(d Delta, next ir.Document, incrementalFraction float64) Shape {
	if incrementalFraction <= 0 {
		incrementalFraction = DefaultIncrementalFraction
	}

	changed := len(d.Added) + len(d.Modified) + len(d.Removed)
	nodeCount := len(next.Nodes)
	if nodeCount == 0 {
		return Full
	}

	if float64(changed) >= incrementalFraction*float64(nodeCount) {
		return Full
	}

	deltaBytes, err := json.Marshal(d)
	if err != nil {
		return Full
	}
	fullBytes, err := next.Canonical()
	if err != nil {
		return Full
	}
	if len(deltaBytes) >= len(fullBytes) {
		return Full
	}

	return Incremental
}

// Apply reconstructs the document d was computed against plus its changes:
// add ∪ modified ∪ remove, in that order, over base.
func Apply(base ir.Document, d Delta) ir.Document {
	result := base
	result.Nodes = make(map[string]ir.Node, len(base.Nodes))
	for id, n := range base.Nodes {
		result.Nodes[id] = n
	}

	for _, n := range d.Added {
		result.Nodes[n.ID] = n
	}
	for _, n := range d.Modified {
		result.Nodes[n.ID] = n
	}
	for _, id := range d.Removed {
		delete(result.Nodes, id)
	}

	if d.Roots != nil {
		result.Roots = d.Roots
	}
	return result
}
