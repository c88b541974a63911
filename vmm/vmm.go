package vmm

import (
	"errors"
	"fmt"
	"unsafe"

	"firefly/defs"
)

// FrameSource allocates the physical frames a Manager needs for new
// intermediate page tables. Both pmm.Allocator and pmm.Arena satisfy it.
type FrameSource interface {
	AllocateFrame() (defs.PhysFrame, error)
}

// ErrLargerParentMappingExists is returned when a walked level already has
// HugePage set but a smaller mapping was requested.
var ErrLargerParentMappingExists = errors.New("vmm: a larger page already maps this range")

// PageAlreadyMappedError is returned by Map when the target leaf entry is
// already present. Existing is the physical address that entry maps.
type PageAlreadyMappedError struct {
	Existing defs.PhysAddr
}

func (e *PageAlreadyMappedError) Error() string {
	return fmt.Sprintf("vmm: page already mapped to %s", e.Existing)
}

// ErrPageNotMapped is returned by ChangeFlags/Unmap when the target page has
// no mapping.
var ErrPageNotMapped = errors.New("vmm: page not mapped")

// ErrInvalidLevel4PageTable is returned by Translate when the PML4 entry has
// HugePage set, which is illegal at that level.
var ErrInvalidLevel4PageTable = errors.New("vmm: PML4 entry has HUGE_PAGE set")

// Manager operates on a four-level x86_64 page table reached through the
// direct physical memory map at physMemOffset: every physical address p is
// read/written through the virtual address p+physMemOffset.
type Manager struct {
	root          defs.PhysFrame
	physMemOffset uint64
}

// NewManager returns a Manager for the page table rooted at root (a PML4
// frame), accessed through the direct map starting at physMemOffset.
func NewManager(root defs.PhysFrame, physMemOffset uint64) *Manager {
	return &Manager{root: root, physMemOffset: physMemOffset}
}

// Root returns the physical frame backing this page table's PML4.
func (m *Manager) Root() defs.PhysFrame { return m.root }

func (m *Manager) tableAt(f defs.PhysAddr) *Table {
	v := uintptr(f) + uintptr(m.physMemOffset)
	return (*Table)(unsafe.Pointer(v))
}

// Dmap returns a byte-addressable view of the frame at p, reached through
// the direct physical memory map. Callers use this to populate a frame's
// contents (e.g. writing a new thread's initial stack) without a
// dedicated write-physical-memory primitive.
func (m *Manager) Dmap(p defs.PhysAddr, size uint64) []byte {
	v := uintptr(p) + uintptr(m.physMemOffset)
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), size)
}

// Flush must be acted on after a successful Map/Unmap: either Flush() to
// invalidate the TLB entry for the affected page, or Ignore() to explicitly
// waive the flush (e.g. because the page was never loaded into any TLB).
// Requiring a disposition keeps TLB correctness from being silently
// forgotten at a call site (spec §4.2).
type Flush struct {
	page    defs.VirtPage
	flushFn func(defs.VirtPage)
	done    bool
}

// Flush invalidates the TLB entry for the affected page.
func (t *Flush) Flush() {
	t.done = true
	if t.flushFn != nil {
		t.flushFn(t.page)
	}
}

// Ignore explicitly waives the flush.
func (t *Flush) Ignore() {
	t.done = true
}

// SetTLBInvalidator installs the hook Flush uses to invalidate a single TLB
// entry. The hook is a package-level seam (matching gopher-os's flushTLBEntryFn
// indirection in kernel/mem/vmm/pdt.go) so tests can observe flushes without
// real hardware.
var tlbInvalidate = func(defs.VirtPage) {}

func SetTLBInvalidator(fn func(defs.VirtPage)) {
	tlbInvalidate = fn
}

func newFlush(page defs.VirtPage) *Flush {
	return &Flush{page: page, flushFn: tlbInvalidate}
}

// levelTable pairs a table reached while walking with the entry that
// points at it.
type levelTable struct {
	table *Table
	entry *Entry
}

// walkToLeafLevel walks from the PML4 down to the table at the level that
// holds the leaf entry for page.Size, allocating any missing intermediate
// table through alloc. It returns the leaf-level table and the index within
// it, or an error if a larger mapping blocks the walk.
func (m *Manager) walkToLeafLevel(page defs.VirtPage, alloc FrameSource) (*Table, int, error) {
	leafLevel := page.Size.PageTableLevel()
	idx := indices(page.Start)

	table := m.tableAt(m.root.Start)
	// Levels, from PML4 (4) down to the level above the leaf.
	for level := 4; level > leafLevel; level-- {
		i := idx[4-level]
		e := &table[i]
		if e.Flags().Has(HugePage) {
			return nil, 0, ErrLargerParentMappingExists
		}
		if e.IsZero() {
			frame, err := alloc.AllocateFrame()
			if err != nil {
				return nil, 0, err
			}
			e.set(frame.Start, intermediateFlags)
			child := m.tableAt(frame.Start)
			*child = Table{}
		}
		table = m.tableAt(e.Addr())
	}
	return table, idx[4-leafLevel], nil
}

// Map installs a mapping from page to frame with the given flags, allocating
// any missing intermediate page tables through alloc. page.Size and
// frame.Size must match. On success it returns a Flush token that must be
// disposed of by the caller.
func (m *Manager) Map(page defs.VirtPage, frame defs.PhysFrame, flags Flags, alloc FrameSource) (*Flush, error) {
	if page.Size != frame.Size {
		return nil, fmt.Errorf("vmm: page size %s does not match frame size %s", page.Size, frame.Size)
	}
	table, i, err := m.walkToLeafLevel(page, alloc)
	if err != nil {
		return nil, err
	}
	e := &table[i]
	if !e.IsZero() {
		return nil, &PageAlreadyMappedError{Existing: e.Addr()}
	}
	leafFlags := flags
	if page.Size != defs.Size4KiB {
		leafFlags |= HugePage
	}
	e.set(frame.Start, leafFlags)
	return newFlush(page), nil
}

// walkExistingToLeaf walks to the table holding page's leaf entry without
// allocating; it fails if an intermediate level is absent or is itself a
// huge-page leaf of the wrong size.
func (m *Manager) walkExistingToLeaf(page defs.VirtPage) (*Table, int, error) {
	leafLevel := page.Size.PageTableLevel()
	idx := indices(page.Start)
	table := m.tableAt(m.root.Start)
	for level := 4; level > leafLevel; level-- {
		i := idx[4-level]
		e := &table[i]
		if e.Flags().Has(HugePage) {
			return nil, 0, ErrLargerParentMappingExists
		}
		if e.IsZero() {
			return nil, 0, ErrPageNotMapped
		}
		table = m.tableAt(e.Addr())
	}
	return table, idx[4-leafLevel], nil
}

// Unmap clears the leaf entry for page and returns the prior frame and a
// Flush token. It does not free intermediate page tables.
func (m *Manager) Unmap(page defs.VirtPage) (defs.PhysFrame, *Flush, error) {
	table, i, err := m.walkExistingToLeaf(page)
	if err != nil {
		return defs.PhysFrame{}, nil, err
	}
	e := &table[i]
	if e.IsZero() {
		return defs.PhysFrame{}, nil, ErrPageNotMapped
	}
	prior := defs.PhysFrame{Start: e.Addr(), Size: page.Size}
	*e = 0
	return prior, newFlush(page), nil
}

// ChangeFlags preserves the leaf frame and overwrites the flags (forcing
// HugePage consistent with the page's size).
func (m *Manager) ChangeFlags(page defs.VirtPage, flags Flags) (*Flush, error) {
	table, i, err := m.walkExistingToLeaf(page)
	if err != nil {
		return nil, err
	}
	e := &table[i]
	if e.IsZero() {
		return nil, ErrPageNotMapped
	}
	if page.Size != defs.Size4KiB {
		flags |= HugePage
	} else {
		flags &^= HugePage
	}
	e.setFlags(flags)
	return newFlush(page), nil
}

// TranslateResult is the tagged outcome of Translate.
type TranslateResult struct {
	// Mapped is true iff Frame/Addr/Flags are valid (the "Mapping" case).
	Mapped bool
	Frame  defs.PhysFrame
	Addr   defs.PhysAddr
	Flags  Flags
}

// Translate resolves a virtual address to its mapped physical address (if
// any), walking the table at whatever granularity the mapping was installed
// at (4 KiB, 2 MiB, or 1 GiB).
func (m *Manager) Translate(v defs.VirtAddr) (TranslateResult, error) {
	idx := indices(v)
	table := m.tableAt(m.root.Start)

	pml4e := &table[idx[0]]
	if pml4e.Flags().Has(HugePage) {
		return TranslateResult{}, ErrInvalidLevel4PageTable
	}
	if pml4e.IsZero() {
		return TranslateResult{}, nil
	}
	table = m.tableAt(pml4e.Addr())

	pdpte := &table[idx[1]]
	if pdpte.IsZero() {
		return TranslateResult{}, nil
	}
	if pdpte.Flags().Has(HugePage) {
		frame := defs.PhysFrame{Start: pdpte.Addr(), Size: defs.Size1GiB}
		off := uint64(v) & (defs.Size1GiB.Bytes() - 1)
		return TranslateResult{Mapped: true, Frame: frame, Addr: frame.Start + defs.PhysAddr(off), Flags: pdpte.Flags()}, nil
	}
	table = m.tableAt(pdpte.Addr())

	pde := &table[idx[2]]
	if pde.IsZero() {
		return TranslateResult{}, nil
	}
	if pde.Flags().Has(HugePage) {
		frame := defs.PhysFrame{Start: pde.Addr(), Size: defs.Size2MiB}
		off := uint64(v) & (defs.Size2MiB.Bytes() - 1)
		return TranslateResult{Mapped: true, Frame: frame, Addr: frame.Start + defs.PhysAddr(off), Flags: pde.Flags()}, nil
	}
	table = m.tableAt(pde.Addr())

	pte := &table[idx[3]]
	if pte.IsZero() {
		return TranslateResult{}, nil
	}
	frame := defs.PhysFrame{Start: pte.Addr(), Size: defs.Size4KiB}
	off := uint64(v) & (defs.Size4KiB.Bytes() - 1)
	return TranslateResult{Mapped: true, Frame: frame, Addr: frame.Start + defs.PhysAddr(off), Flags: pte.Flags()}, nil
}

// LeafVisitor receives one mapped leaf entry during a WalkLeaves pass.
type LeafVisitor func(virt defs.VirtAddr, frame defs.PhysFrame, flags Flags)

// WalkLeaves walks the entire PML4 once, calling visit for every present
// leaf entry at whatever level it was installed (4 KiB, 2 MiB or 1 GiB),
// in ascending virtual address order. It is the single pass the kernel
// remap (vmlayout.Walk) relies on to discover the mappings it must
// reclassify.
func (m *Manager) WalkLeaves(visit LeafVisitor) {
	pml4 := m.tableAt(m.root.Start)
	for i4 := 0; i4 < entriesPerTable; i4++ {
		e4 := pml4[i4]
		if e4.IsZero() {
			continue
		}
		base4 := uint64(i4) << 39
		if e4.Flags().Has(HugePage) {
			continue // illegal at PML4; Translate reports this, walk just skips it
		}
		pdpt := m.tableAt(e4.Addr())
		for i3 := 0; i3 < entriesPerTable; i3++ {
			e3 := pdpt[i3]
			if e3.IsZero() {
				continue
			}
			base3 := base4 | uint64(i3)<<30
			if e3.Flags().Has(HugePage) {
				visit(signExtend(base3), defs.PhysFrame{Start: e3.Addr(), Size: defs.Size1GiB}, e3.Flags())
				continue
			}
			pd := m.tableAt(e3.Addr())
			for i2 := 0; i2 < entriesPerTable; i2++ {
				e2 := pd[i2]
				if e2.IsZero() {
					continue
				}
				base2 := base3 | uint64(i2)<<21
				if e2.Flags().Has(HugePage) {
					visit(signExtend(base2), defs.PhysFrame{Start: e2.Addr(), Size: defs.Size2MiB}, e2.Flags())
					continue
				}
				pt := m.tableAt(e2.Addr())
				for i1 := 0; i1 < entriesPerTable; i1++ {
					e1 := pt[i1]
					if e1.IsZero() {
						continue
					}
					base1 := base2 | uint64(i1)<<12
					visit(signExtend(base1), defs.PhysFrame{Start: e1.Addr(), Size: defs.Size4KiB}, e1.Flags())
				}
			}
		}
	}
}

// signExtend sign-extends bit 47 across bits 63..48, turning a raw
// PML4-index-derived address into a canonical virtual address.
func signExtend(addr uint64) defs.VirtAddr {
	if addr&(1<<47) != 0 {
		addr |= ^uint64(0) << 47
	}
	return defs.VirtAddr(addr)
}
