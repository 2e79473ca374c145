package task

import "fmt"

type State int

const (
	Pending State = iota
	Running
	Completed
	Failed
	Cancelled
	TimedOut
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition happens without a retry.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled || s == TimedOut
}

// Retryable reports whether Retry may move a task in this state back to Pending.
func (s State) Retryable() bool {
	return s == Failed || s == TimedOut
}
