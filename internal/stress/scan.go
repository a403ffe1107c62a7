package stress

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/kolkov/pmwcas/internal/word"
)

// ScanResult classifies every word of an array by its raw state.
type ScanResult struct {
	Words   int
	Clean   int
	Dirty   int
	CondCAS int
	MwCAS   int

	// Sum adds the clean values, ignoring flags on dirty clean words.
	// Words holding references do not contribute.
	Sum uint64

	// Histogram maps each clean value to the number of words holding it.
	Histogram map[uint64]int
}

// Quiescent reports whether every word is clean: no reference and no
// pending Dirty flag.
func (r ScanResult) Quiescent() bool {
	return r.Clean == r.Words
}

// Scan reads every word of array once. It takes no guard and helps nobody;
// run it only while no operation is in flight to get a consistent picture.
func Scan(array []word.Word) ScanResult {
	r := ScanResult{Words: len(array), Histogram: make(map[uint64]int)}
	for i := range array {
		v := array[i].Load()
		switch {
		case word.IsCleanPtr(v):
			r.Clean++
			r.Sum += uint64(v)
			r.Histogram[uint64(v)]++
		case v.IsCondCAS():
			r.CondCAS++
		case v.IsMwCAS():
			r.MwCAS++
		default:
			r.Dirty++
			r.Sum += uint64(v.Clean())
			r.Histogram[uint64(v.Clean())]++
		}
	}
	return r
}

// Format writes a summary and the value histogram in ascending value order.
//
//nolint:errcheck // Best-effort diagnostic output.
func (r ScanResult) Format(w io.Writer) {
	fmt.Fprintf(w, "words=%d clean=%d dirty=%d condcas=%d mwcas=%d sum=%d\n",
		r.Words, r.Clean, r.Dirty, r.CondCAS, r.MwCAS, r.Sum)
	values := make([]uint64, 0, len(r.Histogram))
	for v := range r.Histogram {
		values = append(values, v)
	}
	slices.Sort(values)
	for _, v := range values {
		fmt.Fprintf(w, "  %8d: %d\n", v, r.Histogram[v])
	}
}

// String returns the formatted scan.
func (r ScanResult) String() string {
	var buf strings.Builder
	r.Format(&buf)
	return buf.String()
}
