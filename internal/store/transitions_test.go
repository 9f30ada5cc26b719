package store

import (
	"errors"
	"testing"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"call_next", "waiting", true},
		{"call_next", "serving", false},
		{"call_next", "completed", false},
		{"finish", "serving", true},
		{"finish", "waiting", false},
		{"finish", "cancelled", false},
		{"leave", "waiting", true},
		{"leave", "serving", true},
		{"leave", "completed", false},
		{"leave", "cancelled", false},
		{"unknown", "waiting", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestValidEdgeNeverLeavesTerminal(t *testing.T) {
	statuses := []string{"waiting", "serving", "completed", "cancelled"}
	for _, from := range []string{"completed", "cancelled"} {
		for _, to := range statuses {
			if ValidEdge(from, to) {
				t.Fatalf("ValidEdge(%q, %q) allowed a move out of a terminal state", from, to)
			}
		}
	}
}

func TestValidEdge(t *testing.T) {
	cases := []struct {
		from, to string
		valid    bool
	}{
		{"waiting", "serving", true},
		{"serving", "completed", true},
		{"waiting", "cancelled", true},
		{"serving", "cancelled", true},
		{"waiting", "completed", false},
		{"serving", "waiting", false},
		{"waiting", "waiting", false},
	}
	for _, tt := range cases {
		if got := ValidEdge(tt.from, tt.to); got != tt.valid {
			t.Fatalf("ValidEdge(%q, %q)=%v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestCheckStatusUpdate(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{"serving", "completed", true},
		{"waiting", "cancelled", true},
		{"serving", "cancelled", true},
		{"waiting", "serving", false},
		{"serving", "serving", false},
		{"waiting", "completed", false},
		{"cancelled", "waiting", false},
	}
	for _, tt := range cases {
		err := CheckStatusUpdate(tt.from, tt.to)
		if tt.ok && err != nil {
			t.Fatalf("CheckStatusUpdate(%q, %q): unexpected error %v", tt.from, tt.to, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidState) {
			t.Fatalf("CheckStatusUpdate(%q, %q): expected ErrInvalidState, got %v", tt.from, tt.to, err)
		}
	}
}
