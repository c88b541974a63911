// Package vmlayout defines the kernel's fixed named virtual address regions
// (spec §3/§6) and the one-time kernel remap pass that reclassifies the
// active page table's mappings once the heap is up.
//
// Grounded on original_source/kernel/memory/constants.rs for the region
// table and kernel/src/memory/mod.rs for the coalesce-and-reclassify
// algorithm; Biscuit uses a different boot layout so there is no direct Go
// teacher for this package.
package vmlayout

import (
	"fmt"
	"sync/atomic"

	"firefly/defs"
	"firefly/vmm"
)

// Region names the fixed named virtual address ranges spec §6 enforces.
type Region int

const (
	NullPage Region = iota
	Userspace
	KernelBinary
	BootInfo
	KernelHeap
	KernelStackGuard
	KernelStack
	MMIOSpace
	CPULocal
	PhysicalMemory
	unclassified // not one of the named regions
)

func (r Region) String() string {
	switch r {
	case NullPage:
		return "NULL_PAGE"
	case Userspace:
		return "USERSPACE"
	case KernelBinary:
		return "KERNEL_BINARY"
	case BootInfo:
		return "BOOT_INFO"
	case KernelHeap:
		return "KERNEL_HEAP"
	case KernelStackGuard:
		return "KERNEL_STACK_GUARD"
	case KernelStack:
		return "KERNEL_STACK"
	case MMIOSpace:
		return "MMIO_SPACE"
	case CPULocal:
		return "CPU_LOCAL"
	case PhysicalMemory:
		return "PHYSICAL_MEMORY"
	default:
		return "UNCLASSIFIED"
	}
}

// bound is an inclusive [Start, End] virtual address range.
type bound struct {
	Start, End defs.VirtAddr
}

func (b bound) contains(a defs.VirtAddr) bool { return a >= b.Start && a <= b.End }

// regionBounds is the canonical table from spec §6.
var regionBounds = map[Region]bound{
	NullPage:         {0x0, 0x1F_FFFF},
	Userspace:        {0x20_0000, 0x7FFF_FFFF_FFFF},
	KernelBinary:     {0xFFFF_8000_0000_0000, 0xFFFF_8000_3FFF_FFFF},
	BootInfo:         {0xFFFF_8000_4000_0000, 0xFFFF_8000_4000_0FFF},
	KernelHeap:       {0xFFFF_8000_4444_0000, 0xFFFF_8000_444B_FFFF},
	KernelStackGuard: {0xFFFF_8000_5554_F000, 0xFFFF_8000_5554_FFFF},
	KernelStack:      {0xFFFF_8000_5555_0000, 0xFFFF_8000_5D5C_FFFF},
	MMIOSpace:        {0xFFFF_8000_6666_0000, 0xFFFF_8000_6675_FFFF},
	CPULocal:         {0xFFFF_8000_7777_0000, 0xFFFF_8000_7F76_FFFF},
	PhysicalMemory:   {0xFFFF_8000_8000_0000, 0xFFFF_FFFF_FFFF_FFFF},
}

// PhysicalMemoryOffset is the base virtual address of the direct physical
// memory map: every physical address P is reachable at P+PhysicalMemoryOffset.
const PhysicalMemoryOffset defs.VirtAddr = 0xFFFF_8000_8000_0000

// Classify returns which named region contains addr, or false if addr falls
// in a gap between regions.
func Classify(addr defs.VirtAddr) (Region, bool) {
	for r, b := range regionBounds {
		if b.contains(addr) {
			return r, true
		}
	}
	return unclassified, false
}

// Bounds returns the inclusive [start, end] virtual addresses of r.
func Bounds(r Region) (start, end defs.VirtAddr) {
	b, ok := regionBounds[r]
	if !ok {
		panic(fmt.Sprintf("vmlayout: %v has no bounds", r))
	}
	return b.Start, b.End
}

// Contains reports whether addr lies within region r.
func Contains(r Region, addr defs.VirtAddr) bool {
	b, ok := regionBounds[r]
	return ok && b.contains(addr)
}

// PageRangeWithin reports whether every page in rng lies within region r,
// used by callers (e.g. proc.MapPages) that must enforce spec §4.6's
// "every page in the range is within USERSPACE" precondition.
func PageRangeWithin(r Region, rng defs.VirtPageRange) bool {
	return Contains(r, rng.First.Start) && Contains(r, rng.Last.End())
}

// classifiedFlags returns the flags a mapping in region r should carry after
// the kernel remap pass, per spec §4.3.
func classifiedFlags(r Region) (vmm.Flags, bool) {
	switch r {
	case KernelStack, KernelHeap, PhysicalMemory:
		return vmm.Global | vmm.Present | vmm.Writable | vmm.NoExecute, true
	case KernelBinary:
		// Kernel code: executable, read-only, global, present. Data
		// subregions (constants/strings) are handled by PlanRemap's
		// isCode callback so they can be split out.
		return vmm.Global | vmm.Present, true
	case BootInfo:
		return vmm.Global | vmm.Present | vmm.NoExecute, true
	case NullPage, Userspace, KernelStackGuard:
		return 0, false // unmapped
	default:
		return 0, false
	}
}

// Mapping is one maximal, coalesced run of contiguous virtual-to-physical
// mappings discovered while walking the active page table: same page size,
// same frame size, contiguous virtual and physical ranges, identical flags.
type Mapping struct {
	VirtStart, VirtEnd defs.VirtAddr
	PhysStart          defs.PhysAddr
	Size               defs.FrameSize
	Flags              vmm.Flags
}

// RemapPlan describes, for one coalesced Mapping, what its new flags should
// be (or that it should be unmapped) after classification.
type RemapPlan struct {
	Mapping    Mapping
	Region     Region
	NewFlags   vmm.Flags
	ShouldDrop bool
}

// PlanRemap classifies every discovered mapping and computes its post-remap
// disposition. It performs no page table writes; Apply does that.
func PlanRemap(mappings []Mapping, isCode func(defs.VirtAddr) bool) []RemapPlan {
	plans := make([]RemapPlan, 0, len(mappings))
	for _, m := range mappings {
		region, ok := Classify(m.VirtStart)
		if !ok {
			plans = append(plans, RemapPlan{Mapping: m, Region: unclassified, ShouldDrop: true})
			continue
		}
		if region == KernelBinary && isCode != nil && !isCode(m.VirtStart) {
			// Kernel constants/strings/boot-info-shaped data inside
			// the binary region: non-executable, matches BootInfo's
			// treatment.
			plans = append(plans, RemapPlan{
				Mapping:  m,
				Region:   region,
				NewFlags: vmm.Global | vmm.Present | vmm.NoExecute,
			})
			continue
		}
		flags, keep := classifiedFlags(region)
		plans = append(plans, RemapPlan{Mapping: m, Region: region, NewFlags: flags, ShouldDrop: !keep})
	}
	return plans
}

// Remapper applies a RemapPlan against a live page table.
type Remapper struct {
	mgr *vmm.Manager
}

func NewRemapper(mgr *vmm.Manager) *Remapper {
	return &Remapper{mgr: mgr}
}

// Apply rewrites or unmaps every planned mapping and performs a single
// global TLB flush at the end, per spec §4.3: "a single global TLB flush
// finalises the change."
func (rm *Remapper) Apply(plans []RemapPlan, globalFlush func()) error {
	for _, p := range plans {
		page := defs.VirtPage{Start: p.Mapping.VirtStart, Size: p.Mapping.Size}
		if p.ShouldDrop {
			if _, flush, err := rm.mgr.Unmap(page); err == nil {
				flush.Ignore() // a single global flush follows
			} else if err != vmm.ErrPageNotMapped {
				return err
			}
			continue
		}
		flush, err := rm.mgr.ChangeFlags(page, p.NewFlags)
		if err != nil {
			return err
		}
		flush.Ignore()
	}
	if globalFlush != nil {
		globalFlush()
	}
	kernelMappingsFrozen.Store(true)
	return nil
}

// kernelMappingsFrozen latches true once Apply has completed a remap
// pass. From that point on kernel mappings never change again and
// user-memory mapping may proceed (spec §4.3).
var kernelMappingsFrozen atomic.Bool

// KernelMappingsFrozen reports whether the one-time kernel remap pass
// has completed.
func KernelMappingsFrozen() bool { return kernelMappingsFrozen.Load() }
