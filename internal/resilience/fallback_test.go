package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", BreakerConfig{MaxFailures: 3})
	fg.Add("secondary", "secondary")

	var called string
	err := fg.Execute(func(v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "primary" {
		t.Fatalf("called = %q, want primary", called)
	}
}

func TestFallbackGroup_PrimaryFailFallbackSuccess(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", BreakerConfig{MaxFailures: 3})
	fg.Add("secondary", "secondary")

	var called string
	err := fg.Execute(func(v string) error {
		if v == "primary" {
			return errTest
		}
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "secondary" {
		t.Fatalf("called = %q, want secondary", called)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", BreakerConfig{MaxFailures: 3})
	fg.Add("secondary", "secondary")

	err := fg.Execute(func(string) error { return errTest })
	if err == nil {
		t.Fatal("expected error when all providers fail")
	}
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", BreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})
	fg.Add("secondary", "secondary")

	// Fail the primary enough to open its breaker.
	for range 2 {
		_ = fg.Execute(func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}
	if got := fg.Entries()[0].State(); got != StateOpen {
		t.Fatalf("primary breaker state = %v, want open", got)
	}

	var called string
	err := fg.Execute(func(v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "secondary" {
		t.Fatalf("called = %q, want secondary while primary circuit is open", called)
	}
}

func TestFallbackGroup_Entries(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", BreakerConfig{MaxFailures: 3})
	fg.Add("twenty", 20)

	entries := fg.Entries()
	if len(entries) != 2 || fg.Len() != 2 {
		t.Fatalf("Entries len = %d, Len = %d, want 2", len(entries), fg.Len())
	}
	if entries[0].Name() != "ten" || entries[1].Name() != "twenty" {
		t.Errorf("entry order = %q, %q, want ten, twenty", entries[0].Name(), entries[1].Name())
	}
	if entries[0].Value() != 10 || entries[1].Value() != 20 {
		t.Errorf("entry values = %d, %d, want 10, 20", entries[0].Value(), entries[1].Value())
	}

	var got int
	if err := entries[1].Do(func(v int) error { got = v; return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != 20 {
		t.Errorf("Do passed %d, want 20", got)
	}
}

func TestExecuteWith_Success(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", BreakerConfig{MaxFailures: 3})
	fg.Add("twenty", 20)

	result, err := ExecuteWith(fg, func(v int) (string, error) {
		if v == 10 {
			return "from-ten", nil
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-ten" {
		t.Fatalf("result = %q, want from-ten", result)
	}
}

func TestExecuteWith_Failover(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", BreakerConfig{MaxFailures: 3})
	fg.Add("twenty", 20)

	result, err := ExecuteWith(fg, func(v int) (string, error) {
		if v == 10 {
			return "", errTest
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-twenty" {
		t.Fatalf("result = %q, want from-twenty", result)
	}
}

func TestExecuteWith_AllFail(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", BreakerConfig{MaxFailures: 3})

	_, err := ExecuteWith(fg, func(int) (string, error) { return "", errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
