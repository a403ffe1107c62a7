package mwcas

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	// Slots is the number of descriptor slots examined.
	Slots int

	// Free is the number of slots that had no operation in flight.
	Free int

	// RolledBack counts undecided operations that were failed.
	RolledBack int

	// RolledForward counts succeeded operations whose words were finalized
	// to their new values.
	RolledForward int

	// FailedFinalized counts failed operations whose words were restored.
	FailedFinalized int

	// WordsRepaired counts target words that still carried a reference.
	WordsRepaired int

	// DirtyCleared counts clean target words whose Dirty flag was cleared.
	DirtyCleared int

	// SucceededEntries is the total entry count of rolled-forward
	// operations: the writes that took effect but were never acknowledged
	// to their caller.
	SucceededEntries int

	Duration time.Duration
}

// InFlight returns the number of slots that needed recovery.
func (r *RecoveryReport) InFlight() int {
	return r.RolledBack + r.RolledForward + r.FailedFinalized
}

// Format writes a human-readable summary:
//
//	==================
//	RECOVERY: 3 of 64 descriptors in flight
//	  rolled back:      1
//	  rolled forward:   2 (8 entries)
//	  failed finalized: 0
//	  words repaired:   5
//	  dirty cleared:    0
//	  duration:         41µs
//	==================
//
//nolint:errcheck // Best-effort diagnostic output.
func (r *RecoveryReport) Format(w io.Writer) {
	fmt.Fprintf(w, "==================\n")
	if r.InFlight() == 0 {
		fmt.Fprintf(w, "RECOVERY: clean, %d descriptors free\n", r.Slots)
	} else {
		fmt.Fprintf(w, "RECOVERY: %d of %d descriptors in flight\n", r.InFlight(), r.Slots)
	}
	fmt.Fprintf(w, "  rolled back:      %d\n", r.RolledBack)
	fmt.Fprintf(w, "  rolled forward:   %d (%d entries)\n", r.RolledForward, r.SucceededEntries)
	fmt.Fprintf(w, "  failed finalized: %d\n", r.FailedFinalized)
	fmt.Fprintf(w, "  words repaired:   %d\n", r.WordsRepaired)
	fmt.Fprintf(w, "  dirty cleared:    %d\n", r.DirtyCleared)
	fmt.Fprintf(w, "  duration:         %s\n", r.Duration)
	fmt.Fprintf(w, "==================\n")
}

// String returns the formatted report.
func (r *RecoveryReport) String() string {
	var buf strings.Builder
	r.Format(&buf)
	return buf.String()
}
