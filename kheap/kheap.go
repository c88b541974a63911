// Package kheap implements the kernel heap: a fixed-size-block allocator
// over the KERNEL_HEAP virtual memory region (spec component 4). Every
// allocation request is rounded up to one of a small set of block-size
// classes; each class keeps its own singly-linked free list threaded
// through the unused blocks themselves, mirroring the free-list-over-an-
// index-array shape pmm.Allocator uses for physical frames. Blocks that
// don't fit any class, or that exhaust their class's free list, fall back
// to a bump allocator over the region's remaining unused bytes.
package kheap

import (
	"fmt"
	"sync"
	"unsafe"
)

// blockSizes are the size classes, smallest first. 4096 covers one page;
// anything larger is served directly by the bump allocator.
var blockSizes = []uintptr{8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

// freeListNode is written into the first bytes of every free block; it is
// only ever read back out of memory the allocator itself owns.
type freeListNode struct {
	next *freeListNode
}

// Heap is a fixed-size-block allocator over a single contiguous region of
// backing memory, supplied once at construction (the kernel heap's mapped
// virtual address range).
type Heap struct {
	mu sync.Mutex

	start uintptr
	end   uintptr

	// bumpNext is the next never-yet-used byte in the region.
	bumpNext uintptr

	// free[i] is the head of the free list for blockSizes[i].
	free []*freeListNode

	allocated uintptr
	requests  uint64
}

// New constructs a Heap over [start, start+size). The caller is
// responsible for having already mapped that range writable and
// non-executable (spec §4.3's KERNEL_HEAP classification).
func New(start uintptr, size uintptr) *Heap {
	return &Heap{
		start:    start,
		end:      start + size,
		bumpNext: start,
		free:     make([]*freeListNode, len(blockSizes)),
	}
}

// classFor returns the index into blockSizes that satisfies an allocation
// of n bytes with the given alignment, or -1 if no class is large enough
// (the bump allocator must serve it directly).
func classFor(n, align uintptr) int {
	for i, sz := range blockSizes {
		if sz >= n && sz%align == 0 {
			return i
		}
	}
	return -1
}

// Alloc returns a pointer to a newly allocated, uninitialised block of at
// least n bytes aligned to align (align must be a power of two). It
// panics if the heap is exhausted, matching the teacher's
// panic-on-invariant-violation texture: spec.md treats heap exhaustion as
// a fatal kernel condition, not a recoverable error, for every caller in
// scope here.
func (h *Heap) Alloc(n, align uintptr) unsafe.Pointer {
	if n == 0 {
		n = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests++

	class := classFor(n, align)
	if class < 0 {
		return h.bumpAllocLocked(n, align)
	}

	if node := h.free[class]; node != nil {
		h.free[class] = node.next
		h.allocated += blockSizes[class]
		return unsafe.Pointer(node)
	}

	p := h.bumpAllocLocked(blockSizes[class], align)
	if p != nil {
		h.allocated += blockSizes[class]
	}
	return p
}

// bumpAllocLocked carves size bytes aligned to align off the unused tail
// of the region. Caller holds h.mu.
func (h *Heap) bumpAllocLocked(size, align uintptr) unsafe.Pointer {
	aligned := (h.bumpNext + align - 1) &^ (align - 1)
	if aligned+size > h.end {
		panic(fmt.Sprintf("kheap: out of memory allocating %d bytes (align %d)", size, align))
	}
	h.bumpNext = aligned + size
	return unsafe.Pointer(aligned)
}

// Free returns a block previously returned by Alloc(n, align, ...) to its
// size class's free list. n and align must match the values passed to the
// original Alloc call exactly; the allocator does not track sizes itself.
func (h *Heap) Free(p unsafe.Pointer, n, align uintptr) {
	if n == 0 {
		n = 1
	}
	class := classFor(n, align)
	if class < 0 {
		// The bump allocator never reclaims oversized blocks; spec
		// scope has no caller that frees them (kernel heap objects
		// in this design are all small fixed structures).
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	node := (*freeListNode)(p)
	node.next = h.free[class]
	h.free[class] = node
	h.allocated -= blockSizes[class]
}

// Stats reports the heap's current occupancy, for diagnostics.
type Stats struct {
	RegionBytes  uintptr
	UsedBump     uintptr
	AllocatedNow uintptr
	Requests     uint64
}

func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		RegionBytes:  h.end - h.start,
		UsedBump:     h.bumpNext - h.start,
		AllocatedNow: h.allocated,
		Requests:     h.requests,
	}
}
