package mwcas

// FaultPoint names a step of the protocol at which an operation can be
// abandoned to model a thread dying mid-operation.
type FaultPoint int

const (
	// FaultAfterInstall fires after each target word is installed.
	FaultAfterInstall FaultPoint = iota

	// FaultAfterDecision fires right after the status is persisted.
	FaultAfterDecision

	// FaultAfterFinalize fires after each target word is finalized.
	FaultAfterFinalize

	numFaultPoints
)

// NumFaultPoints is the number of distinct fault points.
const NumFaultPoints = int(numFaultPoints)

// String returns the fault point name.
func (f FaultPoint) String() string {
	switch f {
	case FaultAfterInstall:
		return "after-install"
	case FaultAfterDecision:
		return "after-decision"
	case FaultAfterFinalize:
		return "after-finalize"
	default:
		return "unknown"
	}
}

// FaultInjector decides whether an operation dies at a protocol step.
//
// Implementations must be safe for concurrent use. Returning true makes
// MwCAS return ErrAbandoned immediately, leaving the descriptor and its
// target words exactly as they are. Only recovery can resolve them.
type FaultInjector interface {
	Fault(point FaultPoint, slot uint64) bool
}
