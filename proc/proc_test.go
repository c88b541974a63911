package proc

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"firefly/defs"
	"firefly/diag"
	"firefly/pmm"
	"firefly/sched"
	"firefly/thread"
	"firefly/vmlayout"
	"firefly/vmm"
)

// elfSegment describes one program header to bake into a test ELF image.
type elfSegment struct {
	typ      elf.ProgType
	flags    elf.ProgFlag
	vaddr    uint64
	data     []byte
	memSize  uint64
}

// buildELF assembles a minimal, valid ELF64 x86_64 executable with the
// given entry point and program segments. It exists so proc's tests can
// exercise validateELF/CreateUserProcess without a real linker.
func buildELF(t *testing.T, machine elf.Machine, entry uint64, segs []elfSegment) []byte {
	t.Helper()

	const ehsize = 64
	const phentsize = 56
	phoff := uint64(ehsize)
	dataOff := phoff + uint64(len(segs))*phentsize

	var buf bytes.Buffer

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* ELFDATA2LSB */, 1 /* EV_CURRENT */, 0}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_EXEC))
	binary.Write(&buf, binary.LittleEndian, uint16(machine))
	binary.Write(&buf, binary.LittleEndian, uint32(elf.EV_CURRENT))
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, phoff)
	binary.Write(&buf, binary.LittleEndian, uint64(0)) // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint16(phentsize))
	binary.Write(&buf, binary.LittleEndian, uint16(len(segs)))
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shstrndx

	offsets := make([]uint64, len(segs))
	cur := dataOff
	for i, s := range segs {
		offsets[i] = cur
		cur += uint64(len(s.data))
	}

	for i, s := range segs {
		binary.Write(&buf, binary.LittleEndian, uint32(s.typ))
		binary.Write(&buf, binary.LittleEndian, uint32(s.flags))
		binary.Write(&buf, binary.LittleEndian, offsets[i])
		binary.Write(&buf, binary.LittleEndian, s.vaddr)
		binary.Write(&buf, binary.LittleEndian, s.vaddr) // p_paddr, unused
		binary.Write(&buf, binary.LittleEndian, uint64(len(s.data)))
		binary.Write(&buf, binary.LittleEndian, s.memSize)
		binary.Write(&buf, binary.LittleEndian, uint64(4096)) // p_align
	}

	for _, s := range segs {
		buf.Write(s.data)
	}

	return buf.Bytes()
}

func newTestManager(t *testing.T, frames int) (*vmm.Manager, *pmm.Allocator, uint64) {
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
	return vmm.NewManager(root, offset), alloc, offset
}

func newTestProcManager(t *testing.T, frames int) *Manager {
	t.Helper()
	kmgr, alloc, offset := newTestManager(t, frames)
	s := sched.New()
	tm := thread.NewManager(s, kmgr, alloc)
	return NewManager(alloc, offset, tm, s)
}

func TestMapPagesPanicsWhenKernelMappingsNotFrozen(t *testing.T) {
	// This must run before any test freezes vmlayout's package-level
	// latch, since it is a one-way switch for the life of this binary.
	require.False(t, vmlayout.KernelMappingsFrozen())

	kmgr, alloc, _ := newTestManager(t, 64)
	arena := pmm.NewArena(alloc)
	p := &Process{vmm: kmgr, arena: arena, threads: map[ProcessThreadID]sched.KernelThreadID{}}

	pageRange := defs.VirtPageRange{
		First: defs.VirtPage{Start: 0x40_0000, Size: defs.Size4KiB},
		Last:  defs.VirtPage{Start: 0x40_0000, Size: defs.Size4KiB},
	}
	require.Panics(t, func() { p.MapPages(pageRange, vmm.Present|vmm.UserAccessible) })
}

func freezeKernelMappings(t *testing.T) {
	t.Helper()
	if vmlayout.KernelMappingsFrozen() {
		return
	}
	rm := vmlayout.NewRemapper(nil)
	require.NoError(t, rm.Apply(nil, nil))
	require.True(t, vmlayout.KernelMappingsFrozen())
}

func TestCreateUserProcessMapsAndCopiesSegmentData(t *testing.T) {
	freezeKernelMappings(t)
	m := newTestProcManager(t, 512)

	const entry = 0x40_1000
	payload := []byte("hello from userspace\x00")
	binary := buildELF(t, elf.EM_X86_64, entry, []elfSegment{
		{typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X, vaddr: 0x40_0000, data: payload, memSize: 0x2000},
	})

	proc, err := m.CreateUserProcess(binary)
	require.NoError(t, err)
	require.NotZero(t, proc.ID)
	require.Len(t, proc.Threads(), 1)

	res, err := proc.vmm.Translate(defs.VirtAddr(entry))
	require.NoError(t, err)
	require.True(t, res.Mapped)

	got := proc.vmm.Dmap(res.Addr, uint64(len(payload)))
	require.Equal(t, payload, got)
}

func TestDescribeFaultNamesOwningProcess(t *testing.T) {
	freezeKernelMappings(t)
	m := newTestProcManager(t, 512)

	const entry = 0x40_1000
	binary := buildELF(t, elf.EM_X86_64, entry, []elfSegment{
		{typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X, vaddr: 0x40_0000, data: []byte("x"), memSize: 0x1000},
	})
	proc, err := m.CreateUserProcess(binary)
	require.NoError(t, err)

	threadID := proc.Threads()[0]
	code := []byte{0x48, 0x89, 0xd8} // mov rax, rbx
	msg, ok := m.DescribeFault(threadID, code, diag.Registers{RIP: entry})
	require.True(t, ok)
	require.Contains(t, msg, fmt.Sprintf("process %d", proc.ID))
}

func TestCreateUserProcessRejectsWrongMachine(t *testing.T) {
	freezeKernelMappings(t)
	m := newTestProcManager(t, 256)

	binary := buildELF(t, elf.EM_386, 0x40_0000, []elfSegment{
		{typ: elf.PT_LOAD, flags: elf.PF_R, vaddr: 0x40_0000, data: []byte{1, 2, 3}, memSize: 0x1000},
	})
	_, err := m.CreateUserProcess(binary)
	require.ErrorIs(t, err, defs.ErrBadBinary)
}

func TestCreateUserProcessRejectsTLSSegment(t *testing.T) {
	freezeKernelMappings(t)
	m := newTestProcManager(t, 256)

	binary := buildELF(t, elf.EM_X86_64, 0x40_0000, []elfSegment{
		{typ: elf.PT_LOAD, flags: elf.PF_R, vaddr: 0x40_0000, data: []byte{1, 2, 3}, memSize: 0x1000},
		{typ: elf.PT_TLS, flags: elf.PF_R, vaddr: 0x40_1000, data: nil, memSize: 0x10},
	})
	_, err := m.CreateUserProcess(binary)
	require.ErrorIs(t, err, defs.ErrBadBinary)
}

func TestCreateUserProcessRejectsExecutableGNUStack(t *testing.T) {
	freezeKernelMappings(t)
	m := newTestProcManager(t, 256)

	binary := buildELF(t, elf.EM_X86_64, 0x40_0000, []elfSegment{
		{typ: elf.PT_LOAD, flags: elf.PF_R, vaddr: 0x40_0000, data: []byte{1, 2, 3}, memSize: 0x1000},
		{typ: gnuStackProgType, flags: elf.PF_X, vaddr: 0, data: nil, memSize: 0},
	})
	_, err := m.CreateUserProcess(binary)
	require.ErrorIs(t, err, defs.ErrBadBinary)
}

func TestCreateUserProcessRejectsOverlappingSegments(t *testing.T) {
	freezeKernelMappings(t)
	m := newTestProcManager(t, 256)

	binary := buildELF(t, elf.EM_X86_64, 0x40_0000, []elfSegment{
		{typ: elf.PT_LOAD, flags: elf.PF_R, vaddr: 0x40_0000, data: []byte{1, 2, 3}, memSize: 0x2000},
		{typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_W, vaddr: 0x40_1000, data: []byte{4, 5, 6}, memSize: 0x1000},
	})
	_, err := m.CreateUserProcess(binary)
	require.ErrorIs(t, err, defs.ErrBadBinary)
}

func TestDropProcessPanicsWhenPageTableActive(t *testing.T) {
	freezeKernelMappings(t)
	m := newTestProcManager(t, 256)

	binary := buildELF(t, elf.EM_X86_64, 0x40_0000, []elfSegment{
		{typ: elf.PT_LOAD, flags: elf.PF_R, vaddr: 0x40_0000, data: []byte{1, 2, 3}, memSize: 0x1000},
	})
	proc, err := m.CreateUserProcess(binary)
	require.NoError(t, err)

	require.Panics(t, func() { m.DropProcess(proc, proc.PageTable) })
}

func TestDropProcessReleasesPageTableFrame(t *testing.T) {
	freezeKernelMappings(t)
	m := newTestProcManager(t, 256)

	binary := buildELF(t, elf.EM_X86_64, 0x40_0000, []elfSegment{
		{typ: elf.PT_LOAD, flags: elf.PF_R, vaddr: 0x40_0000, data: []byte{1, 2, 3}, memSize: 0x1000},
	})
	proc, err := m.CreateUserProcess(binary)
	require.NoError(t, err)

	_, freeBefore := m.physAlloc.Counts()
	m.DropProcess(proc, defs.PhysFrame{Start: 0xffff_ffff_f000, Size: defs.Size4KiB})
	_, freeAfter := m.physAlloc.Counts()
	require.Greater(t, freeAfter, freeBefore)
	require.Nil(t, m.Get(proc.ID))
}
