package llm

import (
	"testing"
	"time"
)

func TestBreakerClosedByDefault(t *testing.T) {
	b := newBreaker()
	if !b.Allow() {
		t.Error("Allow() = false, want true for a new breaker")
	}
	if b.Open() {
		t.Error("Open() = true, want false for a new breaker")
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := newBreaker()
	for i := 0; i < breakerThreshold-1; i++ {
		b.Failure()
		if !b.Allow() {
			t.Fatalf("Allow() = false after %d failures, want true", i+1)
		}
	}
	b.Failure()
	if b.Allow() {
		t.Error("Allow() = true after threshold failures, want false")
	}
	if !b.Open() {
		t.Error("Open() = false after threshold failures, want true")
	}
}

func TestBreakerSuccessResets(t *testing.T) {
	b := newBreaker()
	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if !b.Allow() {
		t.Error("Allow() = false, want true: success should reset the consecutive count")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := newBreaker()
	b.now = func() time.Time { return now }

	for i := 0; i < breakerThreshold; i++ {
		b.Failure()
	}
	if b.Allow() {
		t.Fatal("Allow() = true while open, want false")
	}

	now = now.Add(breakerCooldown + time.Second)
	if !b.Allow() {
		t.Fatal("Allow() = false after cooldown, want a half-open probe")
	}
	// Only one probe until it resolves.
	if b.Allow() {
		t.Error("Allow() = true for a second concurrent probe, want false")
	}

	b.Success()
	if !b.Allow() {
		t.Error("Allow() = false after probe success, want true")
	}
}

func TestBreakerFailedProbeRestartsCooldown(t *testing.T) {
	now := time.Now()
	b := newBreaker()
	b.now = func() time.Time { return now }

	for i := 0; i < breakerThreshold; i++ {
		b.Failure()
	}
	now = now.Add(breakerCooldown + time.Second)
	if !b.Allow() {
		t.Fatal("Allow() = false after cooldown, want a half-open probe")
	}
	b.Failure()
	if b.Allow() {
		t.Error("Allow() = true right after failed probe, want false")
	}
	now = now.Add(breakerCooldown + time.Second)
	if !b.Allow() {
		t.Error("Allow() = false after second cooldown, want another probe")
	}
}
