package queue

// Phase is the lifecycle position of a dispatched request.
type Phase string

const (
	PhasePending        Phase = "pending"
	PhaseExecuting      Phase = "executing"
	PhaseCompletedOK    Phase = "completed_ok"
	PhaseCompletedError Phase = "completed_error"
)

// Done reports whether p is a terminal phase.
func (p Phase) Done() bool {
	return p == PhaseCompletedOK || p == PhaseCompletedError
}

func (p Phase) String() string { return string(p) }
