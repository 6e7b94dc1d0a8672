// Command gomodbustcp is a CLI wrapper around the gomodbustcp library: it
// starts a Modbus/TCP server backed by an in-memory DataBank, issues a single
// read (printing the values read) or write (printing nothing on success), or
// runs a small line-oriented client session. The protocol logic lives in
// the library package; this binary is just entry points and flag parsing.
package main

import (
	"fmt"
	"os"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
