// Package klog is the kernel's minimal logging seam. The panic/serial/logging
// plumbing is an external collaborator (spec.md §1): this package only adapts
// calls from in-scope components onto whatever io.Writer the boot collaborator
// supplies, the way Biscuit's in-scope packages call bare fmt.Printf
// (mem/mem.go: Phys_init) rather than owning a logging subsystem themselves.
package klog

import (
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	mu  sync.Mutex
	out io.Writer = os.Stderr
)

// SetOutput redirects kernel log output, e.g. to the serial console
// collaborator during boot.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// Printf writes a formatted kernel diagnostic line.
func Printf(format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(out, format, args...)
}

// Warnf writes a formatted kernel warning line with a "warn:" prefix.
func Warnf(format string, args ...any) {
	Printf("warn: "+format, args...)
}
