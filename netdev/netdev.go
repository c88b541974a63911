// Package netdev implements the VirtIO network card driver (spec
// component 10): a receive queue and a send queue of preallocated
// packet buffers, each prefixed with a 12-byte header the driver
// always zeroes (no checksum or GSO offload is used).
//
// Grounded on original_source/kernel/drivers/virtio/network/mod.rs.
package netdev

import (
	"encoding/binary"
	"time"
	"unsafe"

	"firefly/defs"
	"firefly/virtio"
	"firefly/virtq"
)

const (
	recvVirtqueue = 0
	sendVirtqueue = 1
)

// packetLenMax is the size of every preallocated packet buffer,
// including the 12-byte header; exactly half a 4KiB frame, so one
// frame yields two buffers with no buffer spanning two frames.
const packetLenMax = 2048

// headerSize is sizeof(virtio_net_hdr) per virtio-v1.1 §5.1.6, with
// every field left zero: flags, gso_type (1 byte each), hdr_len,
// gso_size, csum_start, csum_offset, num_buffers (2 bytes each).
const headerSize = 12

// Network feature bits relevant to this driver (virtio-v1.1 §5.1.3).
const (
	featureMAC = 1 << 5
	featureMTU = 1 << 3
)

// defaultMTU is used when the device does not negotiate the MTU
// feature.
const defaultMTU = 1500

// Transport is the subset of an initialised VirtIO driver a network
// device needs. virtio.Driver satisfies this directly.
type Transport interface {
	Features() uint64
	ReadDeviceConfigU8(offset uint16) uint8
	InterruptStatus() virtio.InterruptStatus
	Send(queueIndex uint16, buffers []virtq.Buffer) error
	Notify(queueIndex uint16)
	Recv(queueIndex uint16) (virtq.UsedBuffers, bool)
	NumDescriptors(queueIndex uint16) int
}

// Driver is a virtio network card: a MAC address, an MTU, and the
// preallocated send/recv packet buffer pools.
type Driver struct {
	transport Transport
	mac       [6]byte
	mtu       uint16

	physMemOffset uint64
	sendBuffers   []defs.PhysAddr // free list; push/pop from the tail
	recvBuffers   []defs.PhysAddr // kept only to track ownership
}

func dmap(physMemOffset uint64, p defs.PhysAddr, size uint64) []byte {
	v := uintptr(p) + uintptr(physMemOffset)
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), size)
}

// New builds a network device driver from an already-initialised
// VirtIO transport, allocating enough frames (each split into two
// packet buffers) to give every descriptor of each queue a buffer, and
// hands the receive buffers to the device.
func New(transport Transport, frames virtq.FrameSource, physMemOffset uint64) (*Driver, error) {
	var mac [6]byte
	for i := range mac {
		mac[i] = transport.ReadDeviceConfigU8(uint16(i))
	}

	mtu := uint16(defaultMTU)
	if transport.Features()&featureMTU != 0 {
		mtu = binary.LittleEndian.Uint16([]byte{
			transport.ReadDeviceConfigU8(10),
			transport.ReadDeviceConfigU8(11),
		})
	}

	d := &Driver{transport: transport, mac: mac, mtu: mtu, physMemOffset: physMemOffset}

	sendQueueLen := transport.NumDescriptors(sendVirtqueue)
	if err := d.fillBufferPool(&d.sendBuffers, sendQueueLen, frames); err != nil {
		return nil, err
	}
	if err := d.fillBufferPool(&d.recvBuffers, transport.NumDescriptors(recvVirtqueue), frames); err != nil {
		return nil, err
	}

	for _, addr := range d.recvBuffers {
		buf := virtq.Buffer{Kind: virtq.DeviceCanWrite, Addr: addr, Len: packetLenMax}
		if err := transport.Send(recvVirtqueue, []virtq.Buffer{buf}); err != nil {
			return nil, err
		}
	}
	transport.Notify(recvVirtqueue)

	return d, nil
}

// fillBufferPool allocates frames until pool holds at least count
// buffers, splitting every frame in half since packetLenMax is
// exactly half a 4KiB frame.
func (d *Driver) fillBufferPool(pool *[]defs.PhysAddr, count int, frames virtq.FrameSource) error {
	for len(*pool) < count {
		frameRange, err := frames.AllocateNFrames(1)
		if err != nil {
			return err
		}
		start := frameRange.First.Start
		*pool = append(*pool, start, start+packetLenMax)
	}
	return nil
}

// MACAddress returns the device's MAC address.
func (d *Driver) MACAddress() [6]byte { return d.mac }

// MTU returns the path MTU: the device-advertised value if the MTU
// feature was negotiated, else 1500.
func (d *Driver) MTU() uint16 { return d.mtu }

// ReclaimSendBuffers retrieves any buffers the device has finished
// sending and returns them to the free pool.
func (d *Driver) ReclaimSendBuffers() {
	for {
		used, ok := d.transport.Recv(sendVirtqueue)
		if !ok {
			return
		}
		for _, buf := range used.Buffers {
			d.sendBuffers = append(d.sendBuffers, buf.Addr)
		}
	}
}

// GetSendBuffer reserves a buffer able to hold a packet of the given
// length, returning the address at which the packet body (not the
// header) should be written. It fails with ErrTruncated if the packet
// plus header would not fit in a single buffer, or ErrExhausted if no
// send buffer is free.
func (d *Driver) GetSendBuffer(length int) (defs.PhysAddr, error) {
	if length > packetLenMax-headerSize {
		return 0, defs.ErrTruncated
	}
	if len(d.sendBuffers) == 0 {
		return 0, defs.ErrExhausted
	}
	last := len(d.sendBuffers) - 1
	addr := d.sendBuffers[last]
	d.sendBuffers = d.sendBuffers[:last]
	return addr + headerSize, nil
}

// SendPacket submits a packet body previously written at addr (as
// returned by GetSendBuffer), prepending the zeroed VirtIO network
// header and notifying the device.
func (d *Driver) SendPacket(addr defs.PhysAddr, length int) error {
	headerAddr := addr - headerSize
	header := dmap(d.physMemOffset, headerAddr, headerSize)
	for i := range header {
		header[i] = 0
	}

	buf := virtq.Buffer{Kind: virtq.DeviceCanRead, Addr: headerAddr, Len: uint32(length + headerSize)}
	if err := d.transport.Send(sendVirtqueue, []virtq.Buffer{buf}); err != nil {
		return err
	}
	d.transport.Notify(sendVirtqueue)
	return nil
}

// RecvPacket returns the next received packet's body address and
// length, with the 12-byte header stripped, or ok=false if none is
// available.
func (d *Driver) RecvPacket() (addr defs.PhysAddr, length int, ok bool) {
	used, ok := d.transport.Recv(recvVirtqueue)
	if !ok {
		return 0, 0, false
	}
	buf := used.Buffers[0]
	return buf.Addr + headerSize, used.Written - headerSize, true
}

// ReclaimRecvBuffer returns a buffer previously returned by RecvPacket
// (identified by its post-header address) to the device so it can be
// used to receive a future packet.
func (d *Driver) ReclaimRecvBuffer(addr defs.PhysAddr) error {
	bufStart := addr - headerSize
	buf := virtq.Buffer{Kind: virtq.DeviceCanWrite, Addr: bufStart, Len: packetLenMax}
	if err := d.transport.Send(recvVirtqueue, []virtq.Buffer{buf}); err != nil {
		return err
	}
	d.transport.Notify(recvVirtqueue)
	return nil
}

// Poller drives an interface's network stack, returning the delay it
// recommends before the next poll. A concrete stack (socket.Stack)
// satisfies this structurally; netdev does not import that package.
type Poller interface {
	Poll() time.Duration
}

// HandleIRQ services a network-card interrupt: it reclaims any
// completed send buffers and polls the interface's stack so it picks
// up received packets, then calls ackController to acknowledge the
// interrupt controller (external to this package, spec.md §1).
func (d *Driver) HandleIRQ(poller Poller, ackController func()) {
	if d.transport.InterruptStatus()&virtio.QueueInterrupt == 0 {
		if ackController != nil {
			ackController()
		}
		return
	}

	d.ReclaimSendBuffers()
	poller.Poll()

	if ackController != nil {
		ackController()
	}
}
