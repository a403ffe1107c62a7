// Package main implements the pmwcas CLI tool.
//
// The pmwcas tool operates on pool files: it creates them, recovers them
// after a crash, inspects their state and runs the crash-injection stress
// harness against them.
//
// Usage:
//
//	pmwcas create --pool app.pmem            # Create and format a pool file
//	pmwcas recover --pool app.pmem           # Run crash recovery
//	pmwcas inspect --pool app.pmem           # Print header, slots and array
//	pmwcas stress --pool app.pmem --crash    # Stress, then crash without closing
//	pmwcas version                           # Show version information
//
// Settings come from a YAML file (--config, default pmwcas.yaml when
// present) and can be overridden per flag.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
