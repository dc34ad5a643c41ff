package security

import (
	"testing"
	"time"
)

func TestEvaluateNone(t *testing.T) {
	cfg := DefaultConfig()
	a := Evaluate(cfg, 1, cfg.InitialInterval)
	if a.Kind != ActionNone {
		t.Fatalf("Kind = %v, want NONE", a.Kind)
	}
}

func TestEvaluateBackoffDoublesUpToCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ceiling = 8 * time.Second

	a := Evaluate(cfg, 3, 2*time.Second)
	if a.Kind != ActionBackoff || a.NewInterval != 4*time.Second {
		t.Fatalf("got %+v, want BACKOFF 4s", a)
	}

	a = Evaluate(cfg, 4, 6*time.Second)
	if a.Kind != ActionBackoff || a.NewInterval != cfg.Ceiling {
		t.Fatalf("got %+v, want BACKOFF clamped to ceiling %v", a, cfg.Ceiling)
	}
}

func TestEvaluateStop(t *testing.T) {
	cfg := DefaultConfig()
	a := Evaluate(cfg, cfg.StopAt, time.Second)
	if a.Kind != ActionStop {
		t.Fatalf("Kind = %v, want STOP", a.Kind)
	}
	if a.Reason == "" {
		t.Fatal("expected a reason on STOP")
	}
}

func TestBackoffMonotonicity(t *testing.T) {
	cfg := DefaultConfig()
	interval := cfg.InitialInterval
	prevInterval := time.Duration(0)
	for streak := cfg.BackoffAt; streak < cfg.StopAt; streak++ {
		a := Evaluate(cfg, streak, interval)
		if a.Kind != ActionBackoff {
			continue
		}
		if a.NewInterval < prevInterval {
			t.Fatalf("backoff interval decreased: %v after %v", a.NewInterval, prevInterval)
		}
		if a.NewInterval > cfg.Ceiling {
			t.Fatalf("backoff interval %v exceeds ceiling %v", a.NewInterval, cfg.Ceiling)
		}
		prevInterval = a.NewInterval
		interval = a.NewInterval
	}
}

func TestControllerResetsOnSuccess(t *testing.T) {
	c := NewController(DefaultConfig(), nil)
	for i := 0; i < 3; i++ {
		c.RecordError("a1")
	}
	if c.Streak("a1") != 3 {
		t.Fatalf("streak = %d, want 3", c.Streak("a1"))
	}
	c.RecordSuccess("a1")
	if c.Streak("a1") != 0 {
		t.Fatalf("streak after success = %d, want 0", c.Streak("a1"))
	}
}

func TestControllerStopsAfterStreak(t *testing.T) {
	cfg := DefaultConfig()
	c := NewController(cfg, nil)
	var last Action
	for i := 0; i < cfg.StopAt; i++ {
		last = c.RecordError("a1")
	}
	if last.Kind != ActionStop {
		t.Fatalf("final action = %+v, want STOP", last)
	}
}
