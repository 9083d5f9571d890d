package mode

import (
	"testing"

	"github.com/bifrost-sync/bifrost/internal/change"
)

func TestController_IsReadOnly(t *testing.T) {
	tests := []struct {
		name string
		mode Mode
		fw   change.Framework
		want bool
	}{
		{"A-first leaves A writable", AFirst, change.FrameworkA, false},
		{"A-first makes B read-only", AFirst, change.FrameworkB, true},
		{"B-first makes A read-only", BFirst, change.FrameworkA, true},
		{"B-first leaves B writable", BFirst, change.FrameworkB, false},
		{"universal leaves both writable", Universal, change.FrameworkA, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.mode)
			if got := c.IsReadOnly(tt.fw); got != tt.want {
				t.Errorf("IsReadOnly(%s) in %s = %v, want %v", tt.fw, tt.mode, got, tt.want)
			}
		})
	}
}

func TestController_ConflictDetectionEnabled(t *testing.T) {
	if New(Universal).ConflictDetectionEnabled() != true {
		t.Errorf("expected conflict detection enabled in universal mode")
	}
	if New(AFirst).ConflictDetectionEnabled() != false {
		t.Errorf("expected conflict detection disabled in A-first mode")
	}
}

func TestController_TargetFramework(t *testing.T) {
	c := New(Universal)
	if got := c.TargetFramework(change.FrameworkA); got != change.FrameworkB {
		t.Errorf("TargetFramework(A) = %s, want B", got)
	}
	if got := c.TargetFramework(change.FrameworkB); got != change.FrameworkA {
		t.Errorf("TargetFramework(B) = %s, want A", got)
	}
}
