package fallback

import (
	"slices"
	"testing"
)

type fakeWake struct {
	calls []bool
}

func (f *fakeWake) SetArmed(armed bool) { f.calls = append(f.calls, armed) }

type fakeRouter struct {
	calls []bool
}

func (f *fakeRouter) UseLowCostOnly(on bool) { f.calls = append(f.calls, on) }

func TestActivate_AppliesEffectsOnFirstReasonOnly(t *testing.T) {
	wake := &fakeWake{}
	router := &fakeRouter{}
	c := New(WithWakeControl(wake), WithRouter(router))

	c.Activate(ReasonResourceCritical)
	c.Activate(ReasonRepeatedSTTFailure)

	if !c.Active() {
		t.Fatal("controller should be active")
	}
	if len(wake.calls) != 1 || wake.calls[0] != false {
		t.Errorf("SetArmed calls = %v, want one disarm", wake.calls)
	}
	if len(router.calls) != 1 || router.calls[0] != true {
		t.Errorf("UseLowCostOnly calls = %v, want one restriction", router.calls)
	}
}

func TestActivate_IdempotentPerReason(t *testing.T) {
	wake := &fakeWake{}
	var edges []bool
	c := New(WithWakeControl(wake), WithOnChange(func(active bool, _ []Reason) {
		edges = append(edges, active)
	}))

	c.Activate(ReasonWakeWordUnavailable)
	c.Activate(ReasonWakeWordUnavailable)

	if len(wake.calls) != 1 {
		t.Errorf("SetArmed calls = %v, want exactly one", wake.calls)
	}
	if len(edges) != 1 || edges[0] != true {
		t.Errorf("onChange edges = %v, want one activation", edges)
	}
	if got := c.Reasons(); len(got) != 1 {
		t.Errorf("Reasons = %v, want one entry", got)
	}
}

func TestDeactivate_ClearsOneReasonAtATime(t *testing.T) {
	wake := &fakeWake{}
	router := &fakeRouter{}
	c := New(WithWakeControl(wake), WithRouter(router))

	c.Activate(ReasonResourceCritical)
	c.Activate(ReasonRepeatedSTTFailure)

	c.Deactivate(ReasonResourceCritical)
	if !c.Active() {
		t.Fatal("one reason still active, controller should stay degraded")
	}
	if len(wake.calls) != 1 {
		t.Errorf("SetArmed calls = %v, restore must wait for empty set", wake.calls)
	}

	c.Deactivate(ReasonRepeatedSTTFailure)
	if c.Active() {
		t.Fatal("controller should be inactive after last reason clears")
	}
	want := []bool{false, true}
	if !slices.Equal(wake.calls, want) {
		t.Errorf("SetArmed calls = %v, want %v", wake.calls, want)
	}
	if !slices.Equal(router.calls, []bool{true, false}) {
		t.Errorf("UseLowCostOnly calls = %v, want [true false]", router.calls)
	}
}

func TestDeactivate_UnknownReasonIsNoop(t *testing.T) {
	wake := &fakeWake{}
	c := New(WithWakeControl(wake))

	c.Deactivate(ReasonResourceCritical)
	if len(wake.calls) != 0 {
		t.Errorf("SetArmed calls = %v, want none", wake.calls)
	}
	if c.Active() {
		t.Error("controller should stay inactive")
	}
}

func TestReasons_Sorted(t *testing.T) {
	c := New()
	c.Activate(ReasonWakeWordUnavailable)
	c.Activate(ReasonRepeatedSTTFailure)
	c.Activate(ReasonResourceCritical)

	got := c.Reasons()
	want := []Reason{ReasonRepeatedSTTFailure, ReasonResourceCritical, ReasonWakeWordUnavailable}
	if !slices.Equal(got, want) {
		t.Errorf("Reasons = %v, want %v", got, want)
	}
}

func TestOnChange_CarriesReasonSnapshot(t *testing.T) {
	var gotActive bool
	var gotReasons []Reason
	c := New(WithOnChange(func(active bool, reasons []Reason) {
		gotActive = active
		gotReasons = reasons
	}))

	c.Activate(ReasonResourceCritical)
	if !gotActive || !slices.Equal(gotReasons, []Reason{ReasonResourceCritical}) {
		t.Errorf("activation edge = %v %v", gotActive, gotReasons)
	}

	c.Deactivate(ReasonResourceCritical)
	if gotActive || len(gotReasons) != 0 {
		t.Errorf("deactivation edge = %v %v", gotActive, gotReasons)
	}
}
