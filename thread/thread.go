// Package thread implements kernel and user thread creation (spec
// component 6): stack allocation, the initial stack frame a newly
// created thread's first context switch restores, and thread exit.
// Scheduling state transitions themselves live in package sched; a
// Thread here is the record sched.Scheduler schedules by id.
//
// The actual register save/restore performed by a context switch is
// assembly the spec treats as given ("Context switching & trampolines"
// in spec.md's design notes); this package models the data that
// assembly consumes and produces — the initial stack contents and the
// saved stack pointer — without implementing the switch itself.
package thread

import (
	"fmt"
	"sync"

	"firefly/defs"
	"firefly/diag"
	"firefly/sched"
	"firefly/vmlayout"
	"firefly/vmm"
)

// KernelStackPages is the number of 4 KiB pages in every kernel,
// interrupt, and syscall stack (512 KiB), grounded on Firefly's
// KERNEL_STACK_PAGES constant.
const KernelStackPages = 128

// KernelStackSize is the number of bytes in a kernel stack.
const KernelStackSize = uint64(KernelStackPages) * 4096

// UserStackPages is the number of 4 KiB pages mapped for a new user
// thread's stack.
const UserStackPages = 128

// UserStackSize is the number of bytes in a user stack.
const UserStackSize = uint64(UserStackPages) * 4096

// defaultRFLAGS holds the reserved bits of RFLAGS (bit 1 is always set)
// included in every newly created thread's initial stack frame.
const defaultRFLAGS = 0x2

// Trampoline sentinel "addresses" standing in for the assembly entry
// points a real context switch would jump to. The kernel has no such
// code in scope here; these values exist purely so the initial stack
// frame's shape is testable.
const (
	trampolineStartKernelThread uint64 = 0xffff_ffff_dead_0001
	trampolineStartUserThread   uint64 = 0xffff_ffff_dead_0002
)

// Kind distinguishes a kernel thread (one stack, runs in ring 0 only)
// from a user thread (separate user/interrupt/syscall stacks).
type Kind int

const (
	Kernel Kind = iota
	User
)

// KernelProcessID identifies an owning process. It is stored as a plain
// integer, not a pointer or reference, so that a thread never holds a
// live reference back to its process: process lookups always go through
// the process table under its own lock (spec §9, "cyclic structures").
type KernelProcessID uint64

// NoProcess is the zero KernelProcessID, meaning "no owning process"
// (every kernel thread).
const NoProcess KernelProcessID = 0

// StackBounds is a half-open virtual address range [Start, End).
type StackBounds struct {
	Start, End defs.VirtAddr
}

// Thread is the scheduler-visible record for one kernel or user thread.
// Its State is not stored here; consult the owning sched.Scheduler.
type Thread struct {
	ID      sched.KernelThreadID
	Kind    Kind
	Process KernelProcessID

	Stack   StackBounds
	SavedSP defs.VirtAddr

	// InterruptStack and SyscallStack are nil for kernel threads, which
	// handle interrupts and syscalls on their only stack.
	InterruptStack *StackBounds
	SyscallStack   *StackBounds

	// SavedUserStackPointer holds a user thread's user-mode stack
	// pointer while it is executing in the kernel (handling an
	// interrupt or syscall). Unused by kernel threads.
	SavedUserStackPointer defs.VirtAddr
}

// Manager creates threads, allocating their stacks from KERNEL_STACK
// through the supplied kernel page table, and registers each with a
// sched.Scheduler.
type Manager struct {
	mu sync.Mutex

	sched  *sched.Scheduler
	kmgr   *vmm.Manager
	alloc  vmm.FrameSource
	nextID uint64

	threads      map[sched.KernelThreadID]*Thread
	nextStackIdx uint64
	maxStackIdx  uint64
}

// NewManager returns a Manager that allocates kernel-side stacks through
// kmgr (the kernel's own page table) using alloc as the frame source, and
// registers every created thread with s.
func NewManager(s *sched.Scheduler, kmgr *vmm.Manager, alloc vmm.FrameSource) *Manager {
	start, end := vmlayout.Bounds(vmlayout.KernelStack)
	total := uint64(end) - uint64(start) + 1
	return &Manager{
		sched:       s,
		kmgr:        kmgr,
		alloc:       alloc,
		nextID:      1, // 0 is reserved for the idle thread
		threads:     make(map[sched.KernelThreadID]*Thread),
		maxStackIdx: total / KernelStackSize,
	}
}

// ErrStacksExhausted is returned when KERNEL_STACK has no remaining slot
// for a new stack.
var ErrStacksExhausted = fmt.Errorf("thread: kernel stack region exhausted")

// allocKernelStackLocked reserves and maps the next free KERNEL_STACK
// slot. Caller holds m.mu.
func (m *Manager) allocKernelStackLocked() (StackBounds, error) {
	if m.nextStackIdx >= m.maxStackIdx {
		return StackBounds{}, ErrStacksExhausted
	}
	regionStart, _ := vmlayout.Bounds(vmlayout.KernelStack)
	start := regionStart + defs.VirtAddr(m.nextStackIdx*KernelStackSize)
	end := start + defs.VirtAddr(KernelStackSize)
	m.nextStackIdx++

	pageRange := defs.VirtPageRange{
		First: defs.VirtPage{Start: start, Size: defs.Size4KiB},
		Last:  defs.VirtPage{Start: end - defs.VirtAddr(defs.Size4KiB.Bytes()), Size: defs.Size4KiB},
	}
	var mapErr error
	pageRange.ForEach(func(p defs.VirtPage) {
		if mapErr != nil {
			return
		}
		frame, err := m.alloc.AllocateFrame()
		if err != nil {
			mapErr = err
			return
		}
		flush, err := m.kmgr.Map(p, frame, vmm.Global|vmm.Present|vmm.Writable|vmm.NoExecute, m.alloc)
		if err != nil {
			mapErr = err
			return
		}
		flush.Flush()
	})
	if mapErr != nil {
		return StackBounds{}, mapErr
	}
	return StackBounds{Start: start, End: end}, nil
}

// writeFrame writes the initial stack frame for a new thread, pushing
// values top-down in the order a real switch_stack restore sequence
// would pop them: RFLAGS, R15, R14, R13, R12, RBX, RBP, then the
// trampoline's address as the return address. When entryForTrampoline
// is non-nil (both CreateKernelThread and CreateUserThread pass one),
// the entry point is pushed first, in the slot just above the return
// address, for the trampoline itself to consume. Returns the resulting
// (lower) stack pointer.
func (m *Manager) writeFrame(mgr *vmm.Manager, stack StackBounds, trampoline uint64, entryForTrampoline *uint64) defs.VirtAddr {
	sp := stack.End

	push := func(v uint64) {
		sp -= 8
		m.writeUint64(mgr, sp, v)
	}

	if entryForTrampoline != nil {
		push(*entryForTrampoline)
	}
	push(trampoline) // RIP
	push(0)           // RBP
	push(0)           // RBX
	push(0)           // R12
	push(0)           // R13
	push(0)           // R14
	push(0)           // R15
	push(defaultRFLAGS)

	return sp
}

// writeUint64 writes val at virtual address addr by translating it
// through mgr (the page table that owns addr: m.kmgr for a kernel
// thread's stack, the owning process's manager for a user thread's
// stack) and writing through the direct physical memory map.
func (m *Manager) writeUint64(mgr *vmm.Manager, addr defs.VirtAddr, val uint64) {
	res, err := mgr.Translate(addr)
	if err != nil || !res.Mapped {
		panic(fmt.Sprintf("thread: write to unmapped stack address %s", addr))
	}
	buf := mgr.Dmap(res.Addr, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(val >> (8 * i))
	}
}

func (m *Manager) allocID() sched.KernelThreadID {
	id := sched.KernelThreadID(m.nextID)
	m.nextID++
	return id
}

// CreateKernelThread allocates a stack, writes the initial frame so the
// first dispatch enables interrupts and jumps to entry, and registers
// the thread with the scheduler in state BeingCreated (spec §4.5: it
// becomes Runnable only once explicitly resumed).
func (m *Manager) CreateKernelThread(entry uint64) (*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stack, err := m.allocKernelStackLocked()
	if err != nil {
		return nil, err
	}
	entryCopy := entry
	sp := m.writeFrame(m.kmgr, stack, trampolineStartKernelThread, &entryCopy)

	id := m.allocID()
	th := &Thread{ID: id, Kind: Kernel, Process: NoProcess, Stack: stack, SavedSP: sp}
	m.threads[id] = th
	m.sched.Register(id)
	return th, nil
}

// CreateUserThread allocates the user-mode stack (mapped into umgr, the
// owning process's page table) plus separate interrupt and syscall
// stacks in KERNEL_STACK, and registers the thread with the scheduler in
// state BeingCreated.
func (m *Manager) CreateUserThread(entry defs.VirtAddr, proc KernelProcessID, umgr *vmm.Manager, ualloc vmm.FrameSource) (*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, userspaceEnd := vmlayout.Bounds(vmlayout.Userspace)
	stackTop := userspaceEnd - 7

	topPage := defs.ContainingPage(stackTop, defs.Size4KiB)
	bottomPage := defs.VirtPage{
		Start: topPage.Start - defs.VirtAddr((UserStackPages-1)*defs.Size4KiB.Bytes()),
		Size:  defs.Size4KiB,
	}
	pages := defs.VirtPageRange{First: bottomPage, Last: topPage}

	var mapErr error
	pages.ForEach(func(p defs.VirtPage) {
		if mapErr != nil {
			return
		}
		frame, ferr := ualloc.AllocateFrame()
		if ferr != nil {
			mapErr = ferr
			return
		}
		flush, merr := umgr.Map(p, frame, vmm.Present|vmm.UserAccessible|vmm.Writable|vmm.NoExecute, ualloc)
		if merr != nil {
			mapErr = merr
			return
		}
		flush.Flush()
	})
	if mapErr != nil {
		return nil, mapErr
	}

	intStack, err := m.allocKernelStackLocked()
	if err != nil {
		return nil, err
	}
	sysStack, err := m.allocKernelStackLocked()
	if err != nil {
		return nil, err
	}

	entryVal := uint64(entry)
	userStack := StackBounds{Start: bottomPage.Start, End: topPage.Start + defs.VirtAddr(defs.Size4KiB.Bytes())}
	sp := m.writeFrame(umgr, userStack, trampolineStartUserThread, &entryVal)

	id := m.allocID()
	th := &Thread{
		ID:             id,
		Kind:           User,
		Process:        proc,
		Stack:          userStack,
		SavedSP:        sp,
		InterruptStack: &intStack,
		SyscallStack:   &sysStack,
	}
	m.threads[id] = th
	m.sched.Register(id)
	return th, nil
}

// Get returns the thread record for id, or nil if unknown.
func (m *Manager) Get(id sched.KernelThreadID) *Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threads[id]
}

// DescribeFault decodes the faulting instruction at regs.RIP (code is the
// raw bytes read from that address through the caller's direct physical
// map) and returns a one-line diagnostic identifying the thread, its
// owning process, and the decoded instruction. It reports ok=false if id
// names no thread this Manager tracks.
func (m *Manager) DescribeFault(id sched.KernelThreadID, code []byte, regs diag.Registers) (msg string, ok bool) {
	m.mu.Lock()
	th, tracked := m.threads[id]
	m.mu.Unlock()
	if !tracked {
		return "", false
	}

	f := diag.Decode(code, regs)
	return fmt.Sprintf("thread %d (process %d): %s", id, th.Process, f), true
}

// Exit removes thread id from the thread table and transitions it to
// Exiting in the scheduler. It panics if id is the idle thread (the
// scheduler itself enforces this, but we check up front so the thread
// table is never mutated on a doomed call).
func (m *Manager) Exit(id sched.KernelThreadID) {
	if id == sched.IdleThreadID {
		panic("thread: idle thread tried to exit")
	}
	m.mu.Lock()
	delete(m.threads, id)
	m.mu.Unlock()
	m.sched.Exit(id)
}
