package swcache

import (
	"errors"
	"testing"
)

func TestLifecycleTransitions(t *testing.T) {
	testCases := []struct {
		from LifecycleState
		to   LifecycleState
		ok   bool
	}{
		{StateNone, StateInstalling, true},
		{StateInstalling, StateInstalled, true},
		{StateInstalling, StateRedundant, true},
		{StateInstalled, StateActivating, true},
		{StateActivating, StateActive, true},
		{StateActive, StateRedundant, true},
		{StateActive, StateInstalling, false},
		{StateInstalled, StateInstalling, false},
		{StateActivating, StateInstalled, false},
		{StateRedundant, StateActive, false},
		{StateNone, StateActive, false},
	}

	for _, testCase := range testCases {
		got, err := Transition(testCase.from, testCase.to)
		if testCase.ok {
			if err != nil || got != testCase.to {
				t.Fatalf("Transition(%q, %q) = %q, %v", testCase.from, testCase.to, got, err)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidTransition) || got != testCase.from {
			t.Fatalf("Transition(%q, %q) = %q, %v; want ErrInvalidTransition", testCase.from, testCase.to, got, err)
		}
	}
}

func TestParseLifecycleState(t *testing.T) {
	for _, raw := range []string{"installing", "INSTALLED", "activating", "active", "redundant"} {
		if _, err := ParseLifecycleState(raw); err != nil {
			t.Fatalf("ParseLifecycleState(%q) error = %v", raw, err)
		}
	}
	if _, err := ParseLifecycleState("paused"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("ParseLifecycleState(paused) err = %v", err)
	}
}
