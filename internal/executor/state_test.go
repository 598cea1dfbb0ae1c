package executor

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateCreated, StateRunning, true},
		{StateCreated, StateOngoing, false},
		{StateRunning, StateOngoing, true},
		{StateRunning, StateError, true},
		{StateOngoing, StateCompleted, true},
		{StateOngoing, StateNotFound, true},
		{StateNotFound, StateOngoing, true},
		{StateNotFound, StateCompleted, true},
		{StateCompleted, StateNotFound, false},
		{StateFailed, StateOngoing, false},
		{StateTerminated, StateRunning, false},
		{StateError, StateCompleted, false},
		{StateOngoing, StateOngoing, true},
		{StateCompleted, StateCompleted, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestState_TerminalAndSettled(t *testing.T) {
	tests := []struct {
		state    State
		terminal bool
		settled  bool
	}{
		{StateCreated, false, false},
		{StateRunning, false, false},
		{StateOngoing, false, false},
		{StateNotFound, true, false},
		{StateCompleted, true, true},
		{StateFailed, true, true},
		{StateError, true, true},
		{StateTerminated, true, true},
	}

	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.state, got, tt.terminal)
		}
		if got := tt.state.Settled(); got != tt.settled {
			t.Errorf("%s.Settled() = %v, want %v", tt.state, got, tt.settled)
		}
	}
}

func TestParseState(t *testing.T) {
	if st, err := ParseState("ongoing"); err != nil || st != StateOngoing {
		t.Errorf("ParseState(ongoing) = %v, %v", st, err)
	}
	if _, err := ParseState("Running"); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestRecord_ExecutionTime(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	now := start.Add(90 * time.Second)

	notStarted := Record{State: StateRunning}
	if got := notStarted.ExecutionTime(now); got != 0 {
		t.Errorf("got %v, want 0 before start", got)
	}

	running := Record{State: StateOngoing, StartTime: start}
	if got := running.ExecutionTime(now); got != 90*time.Second {
		t.Errorf("got %v, want 90s while ongoing", got)
	}

	done := Record{State: StateCompleted, StartTime: start, EndTime: start.Add(time.Minute)}
	if got := done.ExecutionTime(now); got != time.Minute {
		t.Errorf("got %v, want 1m once completed", got)
	}
}

func TestRecord_CloneIsDeep(t *testing.T) {
	r := Record{AppID: "a", Handle: map[string]string{"job": "a"}}
	c := r.Clone()
	c.Handle["job"] = "b"

	if r.Handle["job"] != "a" {
		t.Errorf("clone shares handle map: got %q, want %q", r.Handle["job"], "a")
	}
}
