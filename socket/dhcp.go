package socket

import (
	"sync"

	"firefly/sched"
)

// WorkloadGate holds the set of threads waiting for stack to obtain a DHCP
// configuration, matching INITIAL_WORKLOADS: a workload that must not run
// before the network is addressable registers itself once, and is resumed
// the next time (or immediately, if stack is already configured) any
// interface configures itself via DHCP.
type WorkloadGate struct {
	stack Stack
	sched *sched.Scheduler

	mu        sync.Mutex
	waiting   []sched.KernelThreadID
	lastFired bool
}

// NewWorkloadGate builds a gate over stack.
func NewWorkloadGate(stack Stack, s *sched.Scheduler) *WorkloadGate {
	return &WorkloadGate{stack: stack, sched: s}
}

// RegisterWorkload ensures waiter is resumed once stack next obtains (or
// already has) a DHCP configuration. If a configuration is already
// present, waiter is resumed immediately, still under the gate's lock, to
// avoid racing a concurrent DHCP event.
func (g *WorkloadGate) RegisterWorkload(waiter sched.KernelThreadID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.stack.DHCPConfig(); ok {
		g.sched.Resume(waiter)
		return
	}

	g.waiting = append(g.waiting, waiter)
}

// Poll drives stack once, then, on a transition into a DHCP configuration,
// resumes every registered workload. Call this from the same loop that
// drives the interface's packet processing.
func (g *WorkloadGate) Poll() {
	g.stack.Poll()

	g.mu.Lock()
	defer g.mu.Unlock()

	_, configured := g.stack.DHCPConfig()
	if configured && !g.lastFired {
		for _, waiter := range g.waiting {
			g.sched.Resume(waiter)
		}
		g.waiting = nil
	}
	g.lastFired = configured
}
