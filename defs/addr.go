// Package defs holds the address and size types shared by every memory- and
// device-facing package in the kernel: physical/virtual addresses, frame and
// page sizes, and the inclusive frame/page ranges used for iteration.
package defs

import "fmt"

// PhysAddr is a physical memory address. Valid physical addresses lie in
// [0, 2^52) and must never have bit 51 set once stored in a page table entry.
type PhysAddr uint64

// MaxPhysAddr is the largest physical address representable on this platform
// (2^52 - 1).
const MaxPhysAddr PhysAddr = (1 << 52) - 1

// Valid reports whether a is within the representable physical address space.
func (a PhysAddr) Valid() bool {
	return a <= MaxPhysAddr
}

func (a PhysAddr) String() string {
	return fmt.Sprintf("phys:0x%x", uint64(a))
}

// VirtAddr is a canonical x86_64 virtual address: bits 63..48 sign-extend
// bit 47.
type VirtAddr uint64

// userspaceLimit is the exclusive end of the canonical lower half.
const userspaceLimit = VirtAddr(1) << 47

// kernelspaceStart is the inclusive start of the canonical upper half.
const kernelspaceStart = VirtAddr(0xffff_8000_0000_0000)

// Canonical reports whether v is a canonical x86_64 virtual address: either
// entirely within the lower half [0, 2^47) or the upper half
// [2^64-2^47, 2^64).
func Canonical(v uint64) bool {
	top17 := v >> 47
	return top17 == 0 || top17 == 0x1ffff
}

// NewVirtAddr validates v as canonical and returns it as a VirtAddr.
func NewVirtAddr(v uint64) (VirtAddr, error) {
	if !Canonical(v) {
		return 0, fmt.Errorf("%w: 0x%x is not a canonical virtual address", ErrInvalidAddress, v)
	}
	return VirtAddr(v), nil
}

// IsUserspace reports whether v lies in the canonical lower half.
func (v VirtAddr) IsUserspace() bool {
	return v < userspaceLimit
}

// IsKernelspace reports whether v lies in the canonical upper half.
func (v VirtAddr) IsKernelspace() bool {
	return v >= kernelspaceStart
}

func (v VirtAddr) String() string {
	return fmt.Sprintf("virt:0x%x", uint64(v))
}

// FrameSize is one of the three page/frame sizes the x86_64 MMU supports.
type FrameSize int

const (
	// Size4KiB is a standard page table leaf at level 1.
	Size4KiB FrameSize = iota
	// Size2MiB is a huge page at level 2.
	Size2MiB
	// Size1GiB is a huge page at level 3.
	Size1GiB
)

// Bytes returns the number of bytes covered by a frame/page of this size.
func (s FrameSize) Bytes() uint64 {
	switch s {
	case Size4KiB:
		return 4 << 10
	case Size2MiB:
		return 2 << 20
	case Size1GiB:
		return 1 << 30
	default:
		panic("unknown frame size")
	}
}

// PageTableLevel returns the page table level (1-based, PT=1..PML4=4) at
// which a leaf entry of this size is written.
func (s FrameSize) PageTableLevel() int {
	switch s {
	case Size4KiB:
		return 1
	case Size2MiB:
		return 2
	case Size1GiB:
		return 3
	default:
		panic("unknown frame size")
	}
}

func (s FrameSize) String() string {
	switch s {
	case Size4KiB:
		return "4KiB"
	case Size2MiB:
		return "2MiB"
	case Size1GiB:
		return "1GiB"
	default:
		return "invalid"
	}
}

// PhysFrame is a physical frame of a given size, aligned to its own size.
type PhysFrame struct {
	Start PhysAddr
	Size  FrameSize
}

// NewPhysFrame validates alignment and returns the frame starting at addr.
func NewPhysFrame(addr PhysAddr, size FrameSize) (PhysFrame, error) {
	if uint64(addr)%size.Bytes() != 0 {
		return PhysFrame{}, fmt.Errorf("%w: 0x%x is not aligned to %s", ErrInvalidAddress, addr, size)
	}
	return PhysFrame{Start: addr, Size: size}, nil
}

// ContainingFrame returns the frame of the given size that contains addr.
func ContainingFrame(addr PhysAddr, size FrameSize) PhysFrame {
	b := size.Bytes()
	return PhysFrame{Start: PhysAddr(uint64(addr) - uint64(addr)%b), Size: size}
}

// End returns the last address (inclusive) covered by the frame.
func (f PhysFrame) End() PhysAddr {
	return f.Start + PhysAddr(f.Size.Bytes()) - 1
}

// Next returns the next frame of the same size, and false if f is the last
// representable frame (avoids overflowing past the top of physical memory).
func (f PhysFrame) Next() (PhysFrame, bool) {
	b := PhysAddr(f.Size.Bytes())
	if f.Start > MaxPhysAddr-b {
		return PhysFrame{}, false
	}
	return PhysFrame{Start: f.Start + b, Size: f.Size}, true
}

func (f PhysFrame) String() string {
	return fmt.Sprintf("frame(%s@0x%x)", f.Size, uint64(f.Start))
}

// VirtPage is a virtual page of a given size, aligned to its own size.
type VirtPage struct {
	Start VirtAddr
	Size  FrameSize
}

// NewVirtPage validates canonicality and alignment and returns the page
// starting at addr.
func NewVirtPage(addr VirtAddr, size FrameSize) (VirtPage, error) {
	if !Canonical(uint64(addr)) {
		return VirtPage{}, fmt.Errorf("%w: %s is not canonical", ErrInvalidAddress, addr)
	}
	if uint64(addr)%size.Bytes() != 0 {
		return VirtPage{}, fmt.Errorf("%w: %s is not aligned to %s", ErrInvalidAddress, addr, size)
	}
	return VirtPage{Start: addr, Size: size}, nil
}

// ContainingPage returns the page of the given size that contains addr.
func ContainingPage(addr VirtAddr, size FrameSize) VirtPage {
	b := size.Bytes()
	return VirtPage{Start: VirtAddr(uint64(addr) - uint64(addr)%b), Size: size}
}

// End returns the last address (inclusive) covered by the page.
func (p VirtPage) End() VirtAddr {
	return p.Start + VirtAddr(p.Size.Bytes()) - 1
}

// Next returns the next page of the same size, and false if p is the last
// representable page (avoids overflowing past the top of the address space).
func (p VirtPage) Next() (VirtPage, bool) {
	b := VirtAddr(p.Size.Bytes())
	if p.Start > ^VirtAddr(0)-b {
		return VirtPage{}, false
	}
	return VirtPage{Start: p.Start + b, Size: p.Size}, true
}

func (p VirtPage) String() string {
	return fmt.Sprintf("page(%s@0x%x)", p.Size, uint64(p.Start))
}

// PhysFrameRange is an inclusive range of same-sized physical frames.
type PhysFrameRange struct {
	First, Last PhysFrame
}

// Count returns the number of frames covered by the range.
func (r PhysFrameRange) Count() int {
	if r.Last.Start < r.First.Start {
		return 0
	}
	return int((uint64(r.Last.Start)-uint64(r.First.Start))/r.First.Size.Bytes()) + 1
}

// ForEach calls fn for every frame in the range, in ascending order. It
// handles a range whose last frame is the top of physical memory without
// constructing an invalid "next" address.
func (r PhysFrameRange) ForEach(fn func(PhysFrame)) {
	if r.Last.Start < r.First.Start {
		return
	}
	cur := r.First
	for {
		fn(cur)
		if cur.Start == r.Last.Start {
			return
		}
		next, ok := cur.Next()
		if !ok {
			return
		}
		cur = next
	}
}

// VirtPageRange is an inclusive range of same-sized virtual pages.
type VirtPageRange struct {
	First, Last VirtPage
}

// Count returns the number of pages covered by the range.
func (r VirtPageRange) Count() int {
	if r.Last.Start < r.First.Start {
		return 0
	}
	return int((uint64(r.Last.Start)-uint64(r.First.Start))/r.First.Size.Bytes()) + 1
}

// ForEach calls fn for every page in the range, in ascending order. It
// handles a range whose last page is the top of the address space without
// constructing an invalid "next" address.
func (r VirtPageRange) ForEach(fn func(VirtPage)) {
	if r.Last.Start < r.First.Start {
		return
	}
	cur := r.First
	for {
		fn(cur)
		if cur.Start == r.Last.Start {
			return
		}
		next, ok := cur.Next()
		if !ok {
			return
		}
		cur = next
	}
}
