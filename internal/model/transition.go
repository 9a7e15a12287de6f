package model

import "fmt"

// TransitionError reports a rejected status transition.
type TransitionError struct {
	From JobStatus
	To   JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal job transition %s -> %s", e.From, e.To)
}

// forward holds the legal forward edges of the job state machine. Failure
// and cancellation are reachable from every non-terminal state and are
// handled separately in Transition. The stage_1_complete -> completed edge
// is the degraded-completion path: a job whose later stages cannot run
// still terminates with its last usable result.
var forward = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusProcessing: true,
	},
	JobStatusProcessing: {
		JobStatusStage1Complete: true,
	},
	JobStatusStage1Complete: {
		JobStatusStage2Complete: true,
		JobStatusCompleted:      true,
	},
	JobStatusStage2Complete: {
		JobStatusCompleted: true,
	},
}

// Transition validates a requested status change and returns the resulting
// status. It is a pure function of (current, requested): re-applying a
// transition that already took effect is a no-op, so an orchestrator retry
// after an ambiguous write failure is safe.
func Transition(current, requested JobStatus) (JobStatus, error) {
	if current == requested {
		return current, nil
	}
	if current.Terminal() {
		return "", &TransitionError{From: current, To: requested}
	}
	if requested == JobStatusFailed || requested == JobStatusCancelled {
		return requested, nil
	}
	if forward[current][requested] {
		return requested, nil
	}
	return "", &TransitionError{From: current, To: requested}
}

// CanCancel reports whether a job in the given status accepts cancellation.
func CanCancel(s JobStatus) bool {
	return !s.Terminal()
}
