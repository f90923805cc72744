package strata_test

import (
	"testing"

	strata "github.com/strata-build/strata"
)

func TestSession_IndependentSessionsAreDistinct(t *testing.T) {
	svc := newFakeBuildService()
	a := strata.NewSession(svc)
	b := strata.NewSession(svc)
	if a == b || a.ID() == b.ID() {
		t.Fatal("independently constructed sessions must be distinct")
	}

	// Without a common session, default construction is fresh every time.
	c := strata.DefaultSession(svc)
	d := strata.DefaultSession(svc)
	if c == d {
		t.Fatal("default sessions shared state without an initialized common session")
	}
}

func TestSession_CommonSessionShared(t *testing.T) {
	t.Cleanup(strata.ResetCommonSession)
	svc := newFakeBuildService()

	first := strata.NewSession(svc)
	if err := strata.InitializeCommonSession(first); err != nil {
		t.Fatalf("initialize common: %v", err)
	}
	if err := strata.InitializeCommonSession(strata.NewSession(svc)); err == nil {
		t.Fatal("second initialization without reset should fail")
	}

	a := strata.DefaultSession(svc)
	if err := a.Advance(strata.SessionRunning); err != nil {
		t.Fatalf("advance: %v", err)
	}

	b := strata.DefaultSession(svc)
	if a != b || b != first {
		t.Fatal("default construction did not return the common session")
	}
	if b.State() != strata.SessionRunning {
		t.Fatalf("lifecycle mutation not visible through shared session: %v", b.State())
	}

	strata.ResetCommonSession()
	fresh := strata.DefaultSession(svc)
	if fresh == first {
		t.Fatal("default construction still shared after reset")
	}
}

func TestSession_LifecycleNeverRegresses(t *testing.T) {
	s := strata.NewSession(newFakeBuildService())
	if s.State() != strata.SessionCreated {
		t.Fatalf("fresh session state: %v", s.State())
	}
	if err := s.Advance(strata.SessionStopped); err != nil {
		t.Fatalf("advance to stopped: %v", err)
	}
	if err := s.Advance(strata.SessionRunning); err == nil {
		t.Fatal("lifecycle moved backwards")
	}
}
