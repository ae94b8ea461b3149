package models

// FailureClass says whether a logged failure is worth another attempt
type FailureClass int

const (
	FailureRetryable FailureClass = iota // Transient; re-drive in the retry pass
	FailureTerminal                      // Known unrecoverable; never retried, dropped at finalize
)

// String implements fmt.Stringer for logging
func (c FailureClass) String() string {
	switch c {
	case FailureRetryable:
		return "retryable"
	case FailureTerminal:
		return "terminal"
	}
	return "unknown"
}

// Phase names the coordinator's state during a crawl run
type Phase string

const (
	PhaseDispatching Phase = "dispatching"
	PhaseMerging     Phase = "merging"
	PhaseClassifying Phase = "classifying"
	PhaseRetrying    Phase = "retrying"
	PhaseFinalizing  Phase = "finalizing"
	PhaseDone        Phase = "done"
)

// String implements fmt.Stringer for logging
func (p Phase) String() string {
	if p == "" {
		return "idle"
	}
	return string(p)
}
