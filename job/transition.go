package job

import (
	"fmt"

	"github.com/narravox/stagehand"
)

// transitions is the set of legal directed edges in the job lifecycle.
// Every state is additionally allowed to transition to itself.
var transitions = map[State][]State{
	StateQueued:  {StateRunning, StateFailed},
	StateRunning: {StateSucceeded, StateFailed},
}

// CanTransition reports whether moving a job from one state to the other is
// legal. Identity transitions are always legal; terminal states have no
// outgoing edges.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AssertTransition returns ErrInvalidTransition when the pair is not in the
// transition table. Correct call sites only ever attempt legal transitions,
// so a failure here is a programming defect or an unhandled race.
func AssertTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", stagehand.ErrInvalidTransition, from, to)
	}
	return nil
}
