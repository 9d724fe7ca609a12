package registry_test

import (
	"testing"

	"github.com/SirClappington/lendersync/internal/domain"
	"github.com/SirClappington/lendersync/internal/registry"
	"github.com/SirClappington/lendersync/internal/registry/registrytest"
)

func TestMemory(t *testing.T) {
	registrytest.Run(t, func(*testing.T) registry.Registry { return registry.NewMemory() })
}

func TestDerive(t *testing.T) {
	ok := domain.UnitOutcome{Success: true}
	bad := domain.UnitOutcome{Success: false}
	tests := []struct {
		name         string
		enqueued     map[string]int
		outcomes     []domain.UnitOutcome
		wantStatus   domain.RunStatus
		wantComplete bool
	}{
		{"empty", map[string]int{}, nil, domain.StatusOK, true},
		{"outstanding", map[string]int{"a": 2}, []domain.UnitOutcome{ok}, domain.StatusRunning, false},
		{"all ok", map[string]int{"a": 2}, []domain.UnitOutcome{ok, ok}, domain.StatusOK, true},
		{"mixed", map[string]int{"a": 1, "b": 1}, []domain.UnitOutcome{ok, bad}, domain.StatusPartial, true},
		{"all bad", map[string]int{"a": 2}, []domain.UnitOutcome{bad, bad}, domain.StatusFailed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, c := registry.Derive(tt.enqueued, tt.outcomes)
			if s != tt.wantStatus || c != tt.wantComplete {
				t.Errorf("Derive = %s, %v; want %s, %v", s, c, tt.wantStatus, tt.wantComplete)
			}
		})
	}
}

func TestClampLimit(t *testing.T) {
	for in, want := range map[int]int{-1: 20, 0: 20, 5: 5, 100: 100, 500: 100} {
		if got := registry.ClampLimit(in); got != want {
			t.Errorf("ClampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
