// Package pmm implements the physical frame allocator (spec §4.1): a set of
// bitmap pools, one per usable memory region, an allocation tracker that
// mirrors a pool's layout without owning frames, and an arena allocator that
// composes the two so a process's frames can be released in bounded work.
//
// Grounded on Biscuit's mem/mem.go (Physmem_t: mutex-guarded singleton,
// panic-on-double-free texture, Refup/Refdown-style accounting) and
// gopher-os's kernel/mem/pmm/allocator/bitmap_allocator.go for the
// per-region-bitmap shape spec §3 calls for.
package pmm

import (
	"fmt"
	"sync"

	"firefly/defs"
	"firefly/stats"
)

// Stats holds the allocator's counters, dumped or profiled via the
// stats package.
type Stats struct {
	Allocations   stats.Counter
	Deallocations stats.Counter
	Exhaustions   stats.Counter
}

// RegionTag classifies a memory map entry, per spec §3.
type RegionTag int

const (
	TagUsable RegionTag = iota
	TagBootloader
	TagKernel
	TagPageTable
	TagBootInfo
	TagFrameZero
	TagInUse
)

// MemoryRegion is one entry of the boot memory map.
type MemoryRegion struct {
	Frames defs.PhysFrameRange
	Tag    RegionTag
}

// bitmapPool tracks ownership of every 4 KiB frame in one Usable region with
// one bit per frame: 1 means free.
type bitmapPool struct {
	base        uint64 // frame number of the first frame in this pool
	bits        []uint64
	totalFrames int
	freeFrames  int
}

func newBitmapPool(base uint64, nframes int) *bitmapPool {
	words := (nframes + 63) / 64
	p := &bitmapPool{base: base, bits: make([]uint64, words), totalFrames: nframes, freeFrames: nframes}
	// Set every bit that corresponds to a real frame to 1 (free); any
	// padding bits past nframes in the last word stay 0 (never free).
	for i := 0; i < nframes; i++ {
		p.bits[i/64] |= 1 << uint(i%64)
	}
	return p
}

func (p *bitmapPool) contains(frameNo uint64) bool {
	return frameNo >= p.base && frameNo < p.base+uint64(p.totalFrames)
}

func (p *bitmapPool) isFree(idx int) bool {
	return p.bits[idx/64]&(1<<uint(idx%64)) != 0
}

func (p *bitmapPool) setFree(idx int, free bool) {
	mask := uint64(1) << uint(idx%64)
	if free {
		p.bits[idx/64] |= mask
	} else {
		p.bits[idx/64] &^= mask
	}
}

// firstFree returns the index of the lowest free frame, or -1.
func (p *bitmapPool) firstFree() int {
	for w, word := range p.bits {
		if word == 0 {
			continue
		}
		for b := 0; b < 64; b++ {
			idx := w*64 + b
			if idx >= p.totalFrames {
				break
			}
			if word&(1<<uint(b)) != 0 {
				return idx
			}
		}
	}
	return -1
}

// firstFreeRun returns the index of the first run of n contiguous free
// frames within this pool, or -1 if no such run exists.
func (p *bitmapPool) firstFreeRun(n int) int {
	run := 0
	for idx := 0; idx < p.totalFrames; idx++ {
		if p.isFree(idx) {
			run++
			if run == n {
				return idx - n + 1
			}
		} else {
			run = 0
		}
	}
	return -1
}

func (p *bitmapPool) frameOf(idx int) uint64 {
	return p.base + uint64(idx)
}

func (p *bitmapPool) indexOf(frameNo uint64) int {
	return int(frameNo - p.base)
}

// Allocator is the physical frame allocator: a vector of bitmap pools, one
// per Usable region in the boot memory map.
type Allocator struct {
	mu    sync.Mutex
	pools []*bitmapPool

	Stats Stats
}

// New builds an Allocator from the boot memory map, constructing one bitmap
// pool per Usable region.
func New(memoryMap []MemoryRegion) *Allocator {
	a := &Allocator{}
	for _, r := range memoryMap {
		if r.Tag != TagUsable {
			continue
		}
		n := r.Frames.Count()
		if n == 0 {
			continue
		}
		base := uint64(r.Frames.First.Start) / defs.Size4KiB.Bytes()
		a.pools = append(a.pools, newBitmapPool(base, n))
	}
	return a
}

func frameNo(f defs.PhysFrame) uint64 {
	return uint64(f.Start) / defs.Size4KiB.Bytes()
}

func frameFromNo(n uint64) defs.PhysFrame {
	return defs.PhysFrame{Start: defs.PhysAddr(n * defs.Size4KiB.Bytes()), Size: defs.Size4KiB}
}

// AllocateFrame returns the next free frame across pools, in pool order, or
// ErrNoFrame if every pool is exhausted.
func (a *Allocator) AllocateFrame() (defs.PhysFrame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.pools {
		if idx := p.firstFree(); idx >= 0 {
			p.setFree(idx, false)
			p.freeFrames--
			a.Stats.Allocations.Inc()
			return frameFromNo(p.frameOf(idx)), nil
		}
	}
	a.Stats.Exhaustions.Inc()
	return defs.PhysFrame{}, defs.ErrNoFrame
}

// AllocateNFrames returns n contiguous free frames drawn from a single pool.
// Holes across pool boundaries are never coalesced: if no single pool has a
// run of n free frames, AllocateNFrames fails with ErrNoFrame even if the
// sum of free frames across pools would suffice.
func (a *Allocator) AllocateNFrames(n int) (defs.PhysFrameRange, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 {
		return defs.PhysFrameRange{}, fmt.Errorf("%w: n must be positive", defs.ErrInvalidAddress)
	}
	for _, p := range a.pools {
		if idx := p.firstFreeRun(n); idx >= 0 {
			for i := idx; i < idx+n; i++ {
				p.setFree(i, false)
			}
			p.freeFrames -= n
			first := frameFromNo(p.frameOf(idx))
			last := frameFromNo(p.frameOf(idx + n - 1))
			return defs.PhysFrameRange{First: first, Last: last}, nil
		}
	}
	return defs.PhysFrameRange{}, defs.ErrNoFrame
}

func (a *Allocator) poolFor(f defs.PhysFrame) (*bitmapPool, int) {
	n := frameNo(f)
	for _, p := range a.pools {
		if p.contains(n) {
			return p, p.indexOf(n)
		}
	}
	return nil, 0
}

// MarkFrameAllocated claims f, which must be free and owned by some pool.
// It panics if f is outside every pool or already allocated: both are
// invariant violations, never runtime conditions (spec §7).
func (a *Allocator) MarkFrameAllocated(f defs.PhysFrame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, idx := a.poolFor(f)
	if p == nil {
		panic(fmt.Sprintf("pmm: %s is not tracked by any pool", f))
	}
	if !p.isFree(idx) {
		panic(fmt.Sprintf("pmm: %s is already allocated", f))
	}
	p.setFree(idx, false)
	p.freeFrames--
}

// DeallocateFrame releases f back to its pool. It panics on double-free or
// on a frame untracked by any pool.
func (a *Allocator) DeallocateFrame(f defs.PhysFrame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, idx := a.poolFor(f)
	if p == nil {
		panic(fmt.Sprintf("pmm: %s is not tracked by any pool", f))
	}
	if p.isFree(idx) {
		panic(fmt.Sprintf("pmm: double free of %s", f))
	}
	p.setFree(idx, true)
	p.freeFrames++
	a.Stats.Deallocations.Inc()
}

// Counts returns (total_frames, free_frames) summed across every pool.
func (a *Allocator) Counts() (total, free int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.pools {
		total += p.totalFrames
		free += p.freeFrames
	}
	return total, free
}

// Tracker mirrors the allocator's pool layout but starts fully free from its
// own perspective (it has claimed nothing yet) and records which frames a
// sub-caller has claimed through it. A tracker never owns frames; it only
// remembers which ones it has handed out, so deallocate_all can walk its own
// claimed set in bounded work without touching the underlying allocator's
// bookkeeping beyond returning the frames it claimed.
type Tracker struct {
	mu     sync.Mutex
	pools  []*bitmapPool
	parent *Allocator
}

// NewTracker returns a tracker whose pools mirror a's, each fully free (no
// claims yet).
func (a *Allocator) NewTracker() *Tracker {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := &Tracker{parent: a}
	for _, p := range a.pools {
		t.pools = append(t.pools, newBitmapPool(p.base, p.totalFrames))
	}
	return t
}

func (t *Tracker) poolFor(f defs.PhysFrame) (*bitmapPool, int) {
	n := frameNo(f)
	for _, p := range t.pools {
		if p.contains(n) {
			return p, p.indexOf(n)
		}
	}
	return nil, 0
}

// claim records that f is now owned by whoever allocated it through this
// tracker.
func (t *Tracker) claim(f defs.PhysFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, idx := t.poolFor(f)
	if p == nil {
		panic(fmt.Sprintf("pmm: tracker asked to claim untracked %s", f))
	}
	if !p.isFree(idx) {
		panic(fmt.Sprintf("pmm: tracker double-claim of %s", f))
	}
	p.setFree(idx, false)
}

// release records that f is no longer owned through this tracker.
func (t *Tracker) release(f defs.PhysFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, idx := t.poolFor(f)
	if p == nil {
		panic(fmt.Sprintf("pmm: %v", defs.ErrFrameNotTracked))
	}
	if p.isFree(idx) {
		panic("pmm: tracker release of frame it never claimed")
	}
	p.setFree(idx, true)
}

// popClaimed removes and returns an arbitrary frame the tracker currently
// has claimed, or ok=false if none remain.
func (t *Tracker) popClaimed() (defs.PhysFrame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pools {
		for idx := 0; idx < p.totalFrames; idx++ {
			if !p.isFree(idx) {
				p.setFree(idx, true)
				return frameFromNo(p.frameOf(idx)), true
			}
		}
	}
	return defs.PhysFrame{}, false
}

// Arena composes a real Allocator with a Tracker: every successful
// allocation is recorded in the tracker, and DeallocateAll iteratively pops
// any tracker-claimed frame and returns it to the underlying allocator. This
// is how a dying process frees its memory in bounded work (spec §4.1).
type Arena struct {
	alloc   *Allocator
	tracker *Tracker
}

// NewArena builds an arena over alloc with a fresh tracker.
func NewArena(alloc *Allocator) *Arena {
	return &Arena{alloc: alloc, tracker: alloc.NewTracker()}
}

// AllocateFrame allocates a frame from the underlying allocator and records
// it as claimed by this arena.
func (ar *Arena) AllocateFrame() (defs.PhysFrame, error) {
	f, err := ar.alloc.AllocateFrame()
	if err != nil {
		return defs.PhysFrame{}, err
	}
	ar.tracker.claim(f)
	return f, nil
}

// AllocateNFrames allocates a contiguous run and records every frame in it
// as claimed by this arena.
func (ar *Arena) AllocateNFrames(n int) (defs.PhysFrameRange, error) {
	r, err := ar.alloc.AllocateNFrames(n)
	if err != nil {
		return defs.PhysFrameRange{}, err
	}
	r.ForEach(ar.tracker.claim)
	return r, nil
}

// DeallocateFrame releases f from both the tracker and the underlying
// allocator.
func (ar *Arena) DeallocateFrame(f defs.PhysFrame) {
	ar.tracker.release(f)
	ar.alloc.DeallocateFrame(f)
}

// DeallocateAll releases every frame this arena currently has claimed back
// to the underlying allocator, one frame per scan of the tracker's pools,
// until no claimed frame remains.
func (ar *Arena) DeallocateAll() {
	for {
		f, ok := ar.tracker.popClaimed()
		if !ok {
			return
		}
		ar.alloc.DeallocateFrame(f)
	}
}
