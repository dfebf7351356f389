package engine

import (
	"testing"
	"time"
)

func TestEchoTracker_ObserveDoesNotConsume(t *testing.T) {
	tr := newEchoTracker()
	tr.record("m1")

	// One publish to many channels comes back once per channel; every copy
	// must still be recognised.
	for i := 0; i < 3; i++ {
		if !tr.observed("m1") {
			t.Fatalf("observation %d lost the entry", i)
		}
	}
	if tr.observed("m2") {
		t.Error("unknown id reported as observed")
	}
}

func TestEchoTracker_SweepRemovesOnlyAged(t *testing.T) {
	tr := newEchoTracker()
	tr.maxAge = 50 * time.Millisecond

	tr.record("old")
	time.Sleep(60 * time.Millisecond)
	tr.record("fresh")

	if removed := tr.sweep(); removed != 1 {
		t.Fatalf("expected 1 swept entry, got %d", removed)
	}
	if tr.observed("old") {
		t.Error("aged entry survived the sweep")
	}
	if !tr.observed("fresh") {
		t.Error("fresh entry was swept")
	}
	if tr.len() != 1 {
		t.Errorf("expected 1 tracked id, got %d", tr.len())
	}
}
