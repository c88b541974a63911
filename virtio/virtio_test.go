package virtio

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"firefly/defs"
	"firefly/pmm"
	"firefly/virtq"
)

// fakeTransport is a Transport test double that records the status/feature
// negotiation sequence and lets tests control what the "device" advertises.
type fakeTransport struct {
	status          DeviceStatus
	deviceFeatures  uint64
	driverFeatures  uint64
	numQueues       uint16
	refuseFeatures  bool
	deviceConfig    map[uint16]uint8
	interruptStatus InterruptStatus

	queueIndex uint16
	queueSize  uint16
	descArea   defs.PhysAddr
	driverArea defs.PhysAddr
	deviceArea defs.PhysAddr
	enabled    bool
	notified   []uint16
}

func (f *fakeTransport) SelectQueue(index uint16)                  { f.queueIndex = index }
func (f *fakeTransport) QueueSize() uint16                         { return f.queueSize }
func (f *fakeTransport) SetQueueSize(size uint16)                  { f.queueSize = size }
func (f *fakeTransport) SetQueueDescriptorArea(addr defs.PhysAddr) { f.descArea = addr }
func (f *fakeTransport) SetQueueDriverArea(addr defs.PhysAddr)     { f.driverArea = addr }
func (f *fakeTransport) SetQueueDeviceArea(addr defs.PhysAddr)     { f.deviceArea = addr }
func (f *fakeTransport) EnableQueue()                              { f.enabled = true }
func (f *fakeTransport) NotifyQueue(index uint16)                  { f.notified = append(f.notified, index) }

func (f *fakeTransport) ReadStatus() DeviceStatus { return f.status }
func (f *fakeTransport) WriteStatus(s DeviceStatus) { f.status = s }
func (f *fakeTransport) AddStatus(s DeviceStatus) {
	f.status |= s
	if f.refuseFeatures {
		f.status &^= StatusFeaturesOK // a refusing device never lets FEATURES_OK stick
	}
}
func (f *fakeTransport) HasStatus(s DeviceStatus) bool { return f.status.Has(s) }

func (f *fakeTransport) ReadDeviceFeatures() uint64 { return f.deviceFeatures }
func (f *fakeTransport) WriteDriverFeatures(features uint64) {
	f.driverFeatures = features
	if !f.refuseFeatures {
		f.status |= StatusFeaturesOK
	}
}

func (f *fakeTransport) ReadNumQueues() uint16 { return f.numQueues }

func (f *fakeTransport) ReadDeviceConfigU8(offset uint16) uint8 { return f.deviceConfig[offset] }
func (f *fakeTransport) ReadInterruptStatus() InterruptStatus   { return f.interruptStatus }

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		numQueues:      4,
		deviceFeatures: 0b111,
		queueSize:      8,
		deviceConfig:   map[uint16]uint8{},
	}
}

func newTestAllocator(t *testing.T, frames int) (*pmm.Allocator, uint64) {
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
	return pmm.New([]pmm.MemoryRegion{region}), offset
}

func TestNewFollowsStatusAndFeatureSequence(t *testing.T) {
	alloc, offset := newTestAllocator(t, 32)
	tp := newFakeTransport()

	d, err := New(tp, 0b011, 0b100, 1, false, alloc, offset)
	require.NoError(t, err)
	require.True(t, tp.status.Has(StatusAcknowledge))
	require.True(t, tp.status.Has(StatusDriver))
	require.True(t, tp.status.Has(StatusFeaturesOK))
	require.True(t, tp.status.Has(StatusDriverOK))
	require.Equal(t, uint64(0b111), tp.driverFeatures) // (must|like) & deviceFeatures
	require.Equal(t, uint64(0b111), d.Features())
}

func TestNewFailsWithTooManyQueues(t *testing.T) {
	alloc, offset := newTestAllocator(t, 32)
	tp := newFakeTransport()
	tp.numQueues = 1

	_, err := New(tp, 0, 0, 2, false, alloc, offset)
	require.Error(t, err)
	var tooMany *ErrTooManyQueues
	require.ErrorAs(t, err, &tooMany)
	require.Equal(t, uint16(1), tooMany.MaxQueues)
}

func TestNewFailsWithMissingRequiredFeatures(t *testing.T) {
	alloc, offset := newTestAllocator(t, 32)
	tp := newFakeTransport()
	tp.deviceFeatures = 0b001

	_, err := New(tp, 0b011, 0, 1, false, alloc, offset)
	require.Error(t, err)
	var missing *ErrMissingRequiredFeatures
	require.ErrorAs(t, err, &missing)
	require.Equal(t, uint64(0b010), missing.Missing)
}

func TestNewFailsWhenDeviceRefusesFeatures(t *testing.T) {
	alloc, offset := newTestAllocator(t, 32)
	tp := newFakeTransport()
	tp.refuseFeatures = true

	_, err := New(tp, 0, 0, 1, false, alloc, offset)
	require.ErrorIs(t, err, ErrDeviceRefusedFeatures)
}

func TestDriverDispatchesToUnderlyingVirtqueues(t *testing.T) {
	alloc, offset := newTestAllocator(t, 32)
	tp := newFakeTransport()
	tp.deviceConfig[0] = 42
	tp.interruptStatus = QueueInterrupt

	d, err := New(tp, 0, 0, 2, false, alloc, offset)
	require.NoError(t, err)

	require.Equal(t, uint8(42), d.ReadDeviceConfigU8(0))
	require.Equal(t, QueueInterrupt, d.InterruptStatus())

	require.NoError(t, d.Send(1, []virtq.Buffer{{Kind: virtq.DeviceCanRead, Addr: 0x1000, Len: 4}}))
	d.Notify(1)
	require.Equal(t, []uint16{1}, tp.notified)
	require.Equal(t, maxDescriptorsFor(tp.queueSize), d.NumDescriptors(1))

	_, ok := d.Recv(1)
	require.False(t, ok)
}

// maxDescriptorsFor mirrors the negotiation New performs against
// virtq.MaxDescriptors, for test assertions only.
func maxDescriptorsFor(advertised uint16) int {
	if advertised > virtq.MaxDescriptors {
		return virtq.MaxDescriptors
	}
	return int(advertised)
}
