package thread

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"firefly/defs"
	"firefly/diag"
	"firefly/pmm"
	"firefly/sched"
	"firefly/vmm"
)

func newTestKernel(t *testing.T, frames int) (*sched.Scheduler, *vmm.Manager, *pmm.Allocator) {
	t.Helper()
	backing := make([]byte, (frames+4)*int(defs.Size4KiB.Bytes()))
	offset := uint64(uintptr(unsafe.Pointer(&backing[0])))

	region := pmm.MemoryRegion{
		Frames: defs.PhysFrameRange{
			First: defs.PhysFrame{Start: 0, Size: defs.Size4KiB},
			Last:  defs.PhysFrame{Start: defs.PhysAddr(uint64(frames-1) * defs.Size4KiB.Bytes()), Size: defs.Size4KiB},
		},
		Tag: pmm.TagUsable,
	}
	alloc := pmm.New([]pmm.MemoryRegion{region})
	root, err := alloc.AllocateFrame()
	require.NoError(t, err)

	mgr := vmm.NewManager(root, offset)
	s := sched.New()
	return s, mgr, alloc
}

func TestCreateKernelThreadWritesInitialFrame(t *testing.T) {
	s, kmgr, alloc := newTestKernel(t, 512)
	m := NewManager(s, kmgr, alloc)

	th, err := m.CreateKernelThread(0xdead_beef)
	require.NoError(t, err)
	require.Equal(t, Kernel, th.Kind)
	require.Equal(t, sched.BeingCreated, s.State(th.ID))

	// The frame pushed 9 uint64s (8 registers/flags + 1 entry point).
	require.Equal(t, th.Stack.End-defs.VirtAddr(9*8), th.SavedSP)

	// Walk the pushed values back off the stack in pop order: RFLAGS,
	// R15, R14, R13, R12, RBX, RBP, RIP, entry.
	sp := th.SavedSP
	readNext := func() uint64 {
		res, err := kmgr.Translate(sp)
		require.NoError(t, err)
		require.True(t, res.Mapped)
		buf := kmgr.Dmap(res.Addr, 8)
		var v uint64
		for i := 0; i < 8; i++ {
			v |= uint64(buf[i]) << (8 * i)
		}
		sp += 8
		return v
	}

	require.EqualValues(t, defaultRFLAGS, readNext())
	require.EqualValues(t, 0, readNext()) // R15
	require.EqualValues(t, 0, readNext()) // R14
	require.EqualValues(t, 0, readNext()) // R13
	require.EqualValues(t, 0, readNext()) // R12
	require.EqualValues(t, 0, readNext()) // RBX
	require.EqualValues(t, 0, readNext()) // RBP
	require.EqualValues(t, trampolineStartKernelThread, readNext())
	require.EqualValues(t, 0xdead_beef, readNext())
}

func TestCreateKernelThreadAllocatesDistinctStacks(t *testing.T) {
	s, kmgr, alloc := newTestKernel(t, 1024)
	m := NewManager(s, kmgr, alloc)

	a, err := m.CreateKernelThread(1)
	require.NoError(t, err)
	b, err := m.CreateKernelThread(2)
	require.NoError(t, err)

	require.NotEqual(t, a.Stack.Start, b.Stack.Start)
	require.Equal(t, a.Stack.End, b.Stack.Start, "stacks are allocated contiguously from KERNEL_STACK")
}

func TestExitRemovesFromThreadTableAndScheduler(t *testing.T) {
	s, kmgr, alloc := newTestKernel(t, 512)
	m := NewManager(s, kmgr, alloc)

	th, err := m.CreateKernelThread(1)
	require.NoError(t, err)
	s.Resume(th.ID)

	m.Exit(th.ID)
	require.Nil(t, m.Get(th.ID))
	require.Panics(t, func() { s.State(th.ID) })
}

func TestDescribeFaultNamesThreadProcessAndInstruction(t *testing.T) {
	s, kmgr, alloc := newTestKernel(t, 512)
	m := NewManager(s, kmgr, alloc)

	th, err := m.CreateKernelThread(1)
	require.NoError(t, err)

	code := []byte{0x48, 0x89, 0xd8} // mov rax, rbx
	msg, ok := m.DescribeFault(th.ID, code, diag.Registers{RIP: 0x401000})
	require.True(t, ok)
	require.Contains(t, msg, "thread")
	require.Contains(t, msg, "process 0")
	require.Contains(t, msg, "0x401000")
}

func TestDescribeFaultReportsUnknownThread(t *testing.T) {
	s, kmgr, alloc := newTestKernel(t, 512)
	m := NewManager(s, kmgr, alloc)

	_, ok := m.DescribeFault(999, nil, diag.Registers{})
	require.False(t, ok)
}

func TestCreateUserThreadAllocatesSeparateStacks(t *testing.T) {
	s, kmgr, alloc := newTestKernel(t, 2048)
	m := NewManager(s, kmgr, alloc)

	// The user thread's own address space is a second page table, but
	// for this test we reuse the kernel's allocator/manager as the
	// "process" page table — CreateUserThread only cares that Map
	// succeeds against whatever manager it is given.
	th, err := m.CreateUserThread(0x40_0000, KernelProcessID(7), kmgr, alloc)
	require.NoError(t, err)
	require.Equal(t, User, th.Kind)
	require.Equal(t, KernelProcessID(7), th.Process)
	require.NotNil(t, th.InterruptStack)
	require.NotNil(t, th.SyscallStack)
	require.NotEqual(t, *th.InterruptStack, *th.SyscallStack)
}
