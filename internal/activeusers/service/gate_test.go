package service

import (
	"fmt"
	"testing"
)

func TestSamplingKeepsAboutTenPercent(t *testing.T) {
	layout, err := DefaultLayout()
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	gate := NewGate(layout, NewRateSampler(0.1, 42))

	const runs = 10000
	accepted := 0
	for i := 0; i < runs; i++ {
		d := gate.ShouldRecompute(Change{
			Collection: "deals",
			DocID:      fmt.Sprintf("d%d", i),
			Before:     map[string]any{"companyId": "c1"},
			After:      map[string]any{"companyId": fmt.Sprintf("c%d", i+2)},
		})
		if !d.Relevant {
			t.Fatalf("run %d: expected relevant change", i)
		}
		if d.Recompute {
			accepted++
		}
	}
	if accepted < 800 || accepted > 1200 {
		t.Fatalf("expected 8-12%% accepted, got %d of %d", accepted, runs)
	}
}

func TestRateSamplerBounds(t *testing.T) {
	always := NewRateSampler(1, 1)
	for i := 0; i < 100; i++ {
		if !always.Keep() {
			t.Fatalf("rate 1 must keep everything")
		}
	}
}

func TestProjectionIgnoresFieldOrderAndUnrelatedFields(t *testing.T) {
	layout, err := DefaultLayout()
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	gate := NewGate(layout, AlwaysKeep{})

	a := gate.Projection("tasks", map[string]any{"assignedTo": "u1", "contactId": "k1", "title": "A"})
	b := gate.Projection("tasks", map[string]any{"contactId": "k1", "assignedTo": "u1", "notes": "B"})
	if string(a) != string(b) {
		t.Fatalf("expected equal projections, got %s vs %s", a, b)
	}

	nested := gate.Projection("deals", map[string]any{
		"associations": map[string]any{"salespeople": []any{map[string]any{"id": "u2"}}},
	})
	if string(nested) == "{}" {
		t.Fatalf("expected nested association to be projected")
	}
}
