package proxy

import (
	"testing"
	"time"
)

func TestTraceFollowsHappyPath(t *testing.T) {
	tr := newTrace(time.Now())
	for _, next := range []State{StateRouted, StateAwaitingTier, StateMissFetched, StateResponded} {
		if err := tr.advance(next); err != nil {
			t.Fatalf("advance to %s: %v", next, err)
		}
	}
	if got := tr.String(); got != "received,routed,awaiting_tier,miss_fetched,responded" {
		t.Fatalf("unexpected trace %s", got)
	}
	if !tr.current().Terminal() {
		t.Fatalf("responded should be terminal")
	}
	if tr.outcome() != StateMissFetched {
		t.Fatalf("expected miss_fetched outcome, got %s", tr.outcome())
	}
}

func TestTraceRejectsIllegalTransitions(t *testing.T) {
	cases := [][]State{
		{StateAwaitingTier},
		{StateRouted, StateHit},
		{StateRouted, StateAwaitingTier, StateHit, StateRespondedError},
		{StateFailed, StateResponded},
		{StateRouted, StateAwaitingTier, StateFailed, StateRespondedError, StateRouted},
	}
	for _, steps := range cases {
		tr := newTrace(time.Now())
		var err error
		for _, next := range steps {
			if err = tr.advance(next); err != nil {
				break
			}
		}
		if err == nil {
			t.Fatalf("expected %v to be rejected", steps)
		}
	}
}

func TestOutcomeBeforeTierCall(t *testing.T) {
	tr := newTrace(time.Now())
	if tr.outcome() != StateReceived {
		t.Fatalf("fresh trace outcome should be received, got %s", tr.outcome())
	}
	_ = tr.advance(StateFailed)
	_ = tr.advance(StateRespondedError)
	if tr.outcome() != StateFailed {
		t.Fatalf("expected failed outcome, got %s", tr.outcome())
	}
}
