// Package blockdev implements the VirtIO block device driver (spec
// component 9): 512-byte segment reads/writes/flushes dispatched over
// a request virtqueue, correlated to their waiting thread by the
// physical address of the request header.
//
// Grounded on original_source/kernel/src/drivers/virtio/block/mod.rs.
package blockdev

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"firefly/defs"
	"firefly/sched"
	"firefly/virtio"
	"firefly/virtq"
)

// BytesPerSegment is the fixed segment size for reads, writes, and
// flushes; every buffer length must be an exact multiple of it.
const BytesPerSegment = 512

// requestVirtqueue is the sole virtqueue used by a block device.
const requestVirtqueue = 0

// Operations records which of read, write, and flush a device supports.
type Operations uint8

const (
	OpRead Operations = 1 << iota
	OpWrite
	OpFlush
)

func (o Operations) Has(op Operations) bool { return o&op == op }

type opType uint32

const (
	typeIn    opType = 0 // read
	typeOut   opType = 1 // write
	typeFlush opType = 4
)

type status uint8

const (
	statusOk          status = 0
	statusIoErr       status = 1
	statusUnsupported status = 2
)

func errorForStatus(s uint8) error {
	switch status(s) {
	case statusOk:
		return nil
	case statusIoErr:
		return defs.ErrDeviceError
	case statusUnsupported:
		return defs.ErrNotSupported
	default:
		return defs.ErrBadResponse
	}
}

// Block feature bits (virtio-v1.1 §5.2.3).
const (
	featureRO    = 1 << 5
	featureFlush = 1 << 9
)

// Transport is the subset of an initialised VirtIO driver a block
// device needs. virtio.Driver satisfies this directly; it is kept as
// an interface so a future non-VirtIO transport (e.g. AHCI) could be
// substituted without changing this package, per spec §4.9's "implementations
// choose how to dispatch" note.
type Transport interface {
	Features() uint64
	ReadDeviceConfigU8(offset uint16) uint8
	InterruptStatus() virtio.InterruptStatus
	Send(queueIndex uint16, buffers []virtq.Buffer) error
	Notify(queueIndex uint16)
	Recv(queueIndex uint16) (virtq.UsedBuffers, bool)
}

// Driver is a virtio block device.
type Driver struct {
	transport  Transport
	operations Operations
	capacity   uint64 // in segments

	cache *cache

	mu            sync.Mutex
	pending       map[defs.PhysAddr]sched.KernelThreadID
	sched         *sched.Scheduler
	physMemOffset uint64
}

// New builds a block device driver from an already-initialised VirtIO
// transport. capacitySlots controls how many concurrent requests the
// header/trailer cache can serve.
func New(transport Transport, s *sched.Scheduler, frames virtq.FrameSource, physMemOffset uint64, capacitySlots int) (*Driver, error) {
	features := transport.Features()
	operations := OpRead
	if features&featureRO == 0 {
		operations |= OpWrite
	}
	if features&featureFlush != 0 {
		operations |= OpFlush
	}

	var capacityBytes [8]byte
	for i := range capacityBytes {
		capacityBytes[i] = transport.ReadDeviceConfigU8(uint16(i))
	}
	capacity := binary.LittleEndian.Uint64(capacityBytes[:])

	c, err := newCache(frames, physMemOffset, capacitySlots)
	if err != nil {
		return nil, fmt.Errorf("blockdev: allocating request cache: %w", err)
	}

	return &Driver{
		transport:     transport,
		operations:    operations,
		capacity:      capacity,
		cache:         c,
		pending:       make(map[defs.PhysAddr]sched.KernelThreadID),
		sched:         s,
		physMemOffset: physMemOffset,
	}, nil
}

// Operations returns the set of operations this device supports.
func (d *Driver) Operations() Operations { return d.operations }

// Capacity returns the device's capacity in segments.
func (d *Driver) Capacity() uint64 { return d.capacity }

// physAddrOf returns the physical address backing buf, assuming buf is
// a slice of the kernel's direct physical map. Block I/O in this
// kernel has no user-mode surface (spec.md's Non-goals exclude syscalls
// beyond thread lifecycle), so every caller-supplied buffer is
// kernel-resident and already directly mapped; there is no general
// virtual-to-physical walk to perform.
func (d *Driver) physAddrOf(buf []byte) defs.PhysAddr {
	v := uintptr(unsafe.Pointer(&buf[0]))
	return defs.PhysAddr(uint64(v) - d.physMemOffset)
}

// Read populates buf, starting at the given segment, from the device.
func (d *Driver) Read(segment uint64, buf []byte) (int, error) {
	if !d.operations.Has(OpRead) {
		return 0, defs.ErrNotSupported
	}
	return d.doOp(typeIn, segment, buf, true)
}

// Write writes buf to the device, starting at the given segment.
func (d *Driver) Write(segment uint64, buf []byte) (int, error) {
	if !d.operations.Has(OpWrite) {
		return 0, defs.ErrNotSupported
	}
	return d.doOp(typeOut, segment, buf, false)
}

func (d *Driver) doOp(op opType, segment uint64, buf []byte, deviceWrites bool) (int, error) {
	if len(buf) == 0 || len(buf)%BytesPerSegment != 0 {
		return 0, defs.ErrInvalidBuffer
	}

	kind := virtq.DeviceCanRead
	if deviceWrites {
		kind = virtq.DeviceCanWrite
	}
	dataBuf := virtq.Buffer{Kind: kind, Addr: d.physAddrOf(buf), Len: uint32(len(buf))}

	headerPhys, header, trailer := d.cache.allocate(op, segment)
	buffers := []virtq.Buffer{header, dataBuf, trailer}

	st, err := d.submitAndWait(headerPhys, buffers)
	if err != nil {
		return 0, err
	}
	if err := errorForStatus(st); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Flush requests the device flush its write cache for the given segment.
func (d *Driver) Flush(segment uint64) error {
	if !d.operations.Has(OpFlush) {
		return defs.ErrNotSupported
	}

	headerPhys, header, trailer := d.cache.allocate(typeFlush, segment)
	st, err := d.submitAndWait(headerPhys, []virtq.Buffer{header, trailer})
	if err != nil {
		return err
	}
	return errorForStatus(st)
}

// submitAndWait enqueues buffers, registers the calling thread as the
// waiter for headerPhys, and suspends until the IRQ handler resumes it,
// returning the trailer status byte.
func (d *Driver) submitAndWait(headerPhys defs.PhysAddr, buffers []virtq.Buffer) (uint8, error) {
	self := d.sched.Current()

	d.mu.Lock()
	d.sched.PreventNextSleep(self)
	d.pending[headerPhys] = self
	if err := d.transport.Send(requestVirtqueue, buffers); err != nil {
		delete(d.pending, headerPhys)
		d.mu.Unlock()
		d.cache.deallocate(headerPhys)
		return 0, err
	}
	d.transport.Notify(requestVirtqueue)
	d.mu.Unlock()

	d.sched.Suspend(self)

	return d.cache.deallocate(headerPhys), nil
}

// HandleIRQ services a block-device interrupt: it resumes the waiter
// for every completed request available on the request queue. ackController,
// if non-nil, is called once the device's own interrupts have been
// drained, so the caller can acknowledge the interrupt controller
// (outside this package's scope).
func (d *Driver) HandleIRQ(ackController func()) {
	if d.transport.InterruptStatus()&virtio.QueueInterrupt == 0 {
		if ackController != nil {
			ackController()
		}
		return
	}

	for {
		used, ok := d.transport.Recv(requestVirtqueue)
		if !ok {
			break
		}
		if len(used.Buffers) == 0 {
			continue
		}
		firstAddr := used.Buffers[0].Addr

		d.mu.Lock()
		waiter, found := d.pending[firstAddr]
		delete(d.pending, firstAddr)
		d.mu.Unlock()

		if found {
			d.sched.Resume(waiter)
		}
	}

	if ackController != nil {
		ackController()
	}
}
