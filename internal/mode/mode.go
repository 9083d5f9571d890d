// Package mode implements the Mode Controller: per-mode read-only
// enforcement and source-of-truth routing between the two framework sides.
package mode

import "github.com/bifrost-sync/bifrost/internal/change"

// Mode is one of the three supported development modes.
type Mode string

const (
	AFirst    Mode = "A-first"
	BFirst    Mode = "B-first"
	Universal Mode = "universal"
)

// Valid reports whether m is one of the three recognized modes.
func (m Mode) Valid() bool {
	switch m {
	case AFirst, BFirst, Universal:
		return true
	}
	return false
}

// Controller answers routing questions for a fixed Mode.
type Controller struct {
	mode Mode
}

// New builds a Controller for the given mode.
func New(m Mode) *Controller { return &Controller{mode: m} }

// Mode returns the controller's configured mode.
func (c *Controller) Mode() Mode { return c.mode }

// IsReadOnly reports whether changes originating on fw should be ignored
// in the current mode.
func (c *Controller) IsReadOnly(fw change.Framework) bool {
	switch c.mode {
	case AFirst:
		return fw == change.FrameworkB
	case BFirst:
		return fw == change.FrameworkA
	default: // Universal
		return false
	}
}

// TargetFramework returns the framework that should receive the generated
// counterpart of a change originating on source.
func (c *Controller) TargetFramework(source change.Framework) change.Framework {
	return source.Other()
}

// ConflictDetectionEnabled reports whether the Conflict Detector should be
// active. It is only meaningful in universal mode, where both sides are
// authoritative.
func (c *Controller) ConflictDetectionEnabled() bool {
	return c.mode == Universal
}
