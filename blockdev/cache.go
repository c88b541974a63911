package blockdev

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"firefly/defs"
	"firefly/virtq"
)

// headerSize is sizeof(virtio_blk_req) per virtio-v1.1 §5.2.6: type
// (u32), reserved (u32), sector (u64).
const headerSize = 16

// slotStride separates consecutive header+trailer pairs; it only needs
// to be large enough to hold the header, the 1-byte trailer, and leave
// each slot naturally aligned.
const slotStride = 32

// cache is a free-list allocator handing out header+trailer physical
// address pairs at stable locations, so in-flight requests can be
// correlated with their completion by physical address alone.
type cache struct {
	mu    sync.Mutex
	mem   []byte
	base  defs.PhysAddr
	inUse []bool
}

func newCache(frames virtq.FrameSource, physMemOffset uint64, slots int) (*cache, error) {
	if slots <= 0 {
		slots = 1
	}
	size := slots * slotStride
	numFrames := (size + int(defs.Size4KiB.Bytes()) - 1) / int(defs.Size4KiB.Bytes())

	frameRange, err := frames.AllocateNFrames(numFrames)
	if err != nil {
		return nil, fmt.Errorf("blockdev: allocating header cache: %w", err)
	}

	base := frameRange.First.Start
	mem := dmap(physMemOffset, base, uint64(size))
	for i := range mem {
		mem[i] = 0
	}

	return &cache{mem: mem, base: base, inUse: make([]bool, slots)}, nil
}

func dmap(physMemOffset uint64, p defs.PhysAddr, size uint64) []byte {
	v := uintptr(p) + uintptr(physMemOffset)
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), size)
}

// allocate reserves a slot, writes the request header, and returns the
// header's physical address plus device-facing buffers for the header
// (readable) and trailer (writable).
func (c *cache) allocate(op opType, segment uint64) (defs.PhysAddr, virtq.Buffer, virtq.Buffer) {
	c.mu.Lock()
	idx := -1
	for i, inUse := range c.inUse {
		if !inUse {
			idx = i
			break
		}
	}
	if idx == -1 {
		// The cache is sized by the caller to match expected concurrency;
		// growing it here would require a fresh frame allocation mid-request.
		panic("blockdev: request header cache exhausted")
	}
	c.inUse[idx] = true
	c.mu.Unlock()

	offset := idx * slotStride
	binary.LittleEndian.PutUint32(c.mem[offset:], uint32(op))
	binary.LittleEndian.PutUint32(c.mem[offset+4:], 0)
	binary.LittleEndian.PutUint64(c.mem[offset+8:], segment)
	c.mem[offset+headerSize] = 0

	headerPhys := c.base + defs.PhysAddr(offset)
	trailerPhys := headerPhys + headerSize

	header := virtq.Buffer{Kind: virtq.DeviceCanRead, Addr: headerPhys, Len: headerSize}
	trailer := virtq.Buffer{Kind: virtq.DeviceCanWrite, Addr: trailerPhys, Len: 1}
	return headerPhys, header, trailer
}

// deallocate releases the slot identified by headerPhys and returns the
// trailer's status byte.
func (c *cache) deallocate(headerPhys defs.PhysAddr) uint8 {
	offset := int(headerPhys - c.base)
	st := c.mem[offset+headerSize]

	c.mu.Lock()
	c.inUse[offset/slotStride] = false
	c.mu.Unlock()

	return st
}
