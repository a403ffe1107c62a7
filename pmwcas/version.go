package pmwcas

import (
	"golang.org/x/mod/semver"

	"github.com/kolkov/pmwcas/internal/pmem"
	"github.com/kolkov/pmwcas/internal/word"
)

// Version is the library version.
const Version = "0.1.0"

// Info describes what this build reads and writes.
type Info struct {
	Version string

	// FormatVersion is the region layout written by this build. Regions
	// recording the same FormatMajor can be opened.
	FormatVersion string
	FormatMajor   string

	Algorithm string

	// Limits of the word reference encoding: pool capacity and entries per
	// descriptor.
	MaxDescriptors uint64
	MaxEntries     int
}

// GetInfo returns information about the library.
//
// Example:
//
//	info := pmwcas.GetInfo()
//	fmt.Printf("pmwcas %s (format %s)\n", info.Version, info.FormatVersion)
func GetInfo() Info {
	return Info{
		Version:        Version,
		FormatVersion:  pmem.FormatVersion,
		FormatMajor:    semver.Major(pmem.FormatVersion),
		Algorithm:      "PMwCAS (Wang et al., ICDE 2018)",
		MaxDescriptors: word.MaxDescriptors,
		MaxEntries:     word.MaxEntries,
	}
}

// CheckFormat returns nil if a region whose header records formatVersion
// can be opened by this build, and an error wrapping ErrIncompatibleFormat
// otherwise.
func CheckFormat(formatVersion string) error {
	return pmem.CheckFormat(formatVersion)
}
