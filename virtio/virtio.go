// Package virtio implements the VirtIO device initialisation state
// machine (spec component 9): status/feature negotiation over a
// Transport, followed by construction of each virtqueue the driver
// needs. PCI device enumeration is an external collaborator (spec.md
// §1) and is not implemented here; New accepts an already-located
// Transport.
//
// Grounded on original_source/kernel/src/drivers/virtio/mod.rs's
// Driver::new almost step-for-step.
package virtio

import (
	"fmt"

	"firefly/virtq"
)

// DeviceStatus is the status byte of a VirtIO device (virtio-v1.1 §2.1).
type DeviceStatus uint8

const (
	StatusReset            DeviceStatus = 0
	StatusAcknowledge       DeviceStatus = 1
	StatusDriver            DeviceStatus = 2
	StatusDriverOK          DeviceStatus = 4
	StatusFeaturesOK        DeviceStatus = 8
	StatusDeviceNeedsReset  DeviceStatus = 64
	StatusFailed            DeviceStatus = 128
)

// Has reports whether every bit in want is set in s.
func (s DeviceStatus) Has(want DeviceStatus) bool { return s&want == want }

// InterruptStatus records the ISR status capability bits (virtio-v1.1 §4.1.4.5).
type InterruptStatus uint8

const (
	QueueInterrupt        InterruptStatus = 1 << 0
	DeviceConfigInterrupt InterruptStatus = 1 << 1
)

// Transport is the device-facing side of a VirtIO driver: the status and
// feature registers plus everything virtq.Virtqueue needs to configure a
// queue. A concrete implementation speaks MMIO, legacy I/O ports, or PCI
// capabilities to a real device; that plumbing sits outside this package.
type Transport interface {
	virtq.QueueTransport

	ReadStatus() DeviceStatus
	WriteStatus(DeviceStatus)
	AddStatus(DeviceStatus)
	HasStatus(DeviceStatus) bool

	ReadDeviceFeatures() uint64
	WriteDriverFeatures(uint64)

	ReadNumQueues() uint16

	ReadDeviceConfigU8(offset uint16) uint8
	ReadInterruptStatus() InterruptStatus
}

// ErrTooManyQueues reports that the driver asked for more virtqueues
// than the device supports.
type ErrTooManyQueues struct {
	MaxQueues uint16
}

func (e *ErrTooManyQueues) Error() string {
	return fmt.Sprintf("virtio: device supports at most %d queues", e.MaxQueues)
}

// ErrMissingRequiredFeatures reports that the device does not advertise
// every feature the driver requires. Missing holds the required bits
// the device did not advertise.
type ErrMissingRequiredFeatures struct {
	Missing uint64
}

func (e *ErrMissingRequiredFeatures) Error() string {
	return fmt.Sprintf("virtio: device is missing required features 0x%x", e.Missing)
}

// ErrDeviceRefusedFeatures reports that the device rejected the
// negotiated feature set (FEATURES_OK did not stick).
var ErrDeviceRefusedFeatures = fmt.Errorf("virtio: device refused the negotiated feature set")

// Driver is an initialised VirtIO device: negotiated features plus one
// virtqueue per index the caller requested.
type Driver struct {
	transport  Transport
	features   uint64
	virtqueues []*virtq.Virtqueue
}

// New negotiates device status and features, then constructs numQueues
// virtqueues, following the sequence in spec §4.8:
//
//  1. Write RESET; spin until the readback is RESET.
//  2. Set ACKNOWLEDGE, then DRIVER.
//  3. Fail with ErrTooManyQueues if the device supports fewer than numQueues.
//  4. Fail with ErrMissingRequiredFeatures if the device lacks a required feature.
//  5. Write back the negotiated feature set.
//  6. Set FEATURES_OK; fail with ErrDeviceRefusedFeatures if it doesn't stick.
//  7. Construct each virtqueue.
//  8. Set DRIVER_OK.
func New(transport Transport, mustFeatures, likeFeatures uint64, numQueues uint16, legacy bool, frames virtq.FrameSource, physMemOffset uint64) (*Driver, error) {
	transport.WriteStatus(StatusReset)
	for transport.ReadStatus() != StatusReset {
		// Per virtio-v1.1 §4.1.4.3.2: after writing 0 to device_status, the
		// driver must wait for a read to return 0 before reinitialising.
	}

	transport.AddStatus(StatusAcknowledge)
	transport.AddStatus(StatusDriver)

	maxQueues := transport.ReadNumQueues()
	if maxQueues < numQueues {
		return nil, &ErrTooManyQueues{MaxQueues: maxQueues}
	}

	deviceFeatures := transport.ReadDeviceFeatures()
	if deviceFeatures&mustFeatures != mustFeatures {
		return nil, &ErrMissingRequiredFeatures{Missing: mustFeatures &^ deviceFeatures}
	}

	features := deviceFeatures & (mustFeatures | likeFeatures)
	transport.WriteDriverFeatures(features)
	transport.AddStatus(StatusFeaturesOK)
	if !transport.HasStatus(StatusFeaturesOK) {
		return nil, ErrDeviceRefusedFeatures
	}

	virtqueues := make([]*virtq.Virtqueue, numQueues)
	for i := uint16(0); i < numQueues; i++ {
		vq, err := virtq.New(i, transport, features, legacy, frames, physMemOffset)
		if err != nil {
			return nil, fmt.Errorf("virtio: constructing queue %d: %w", i, err)
		}
		virtqueues[i] = vq
	}

	transport.AddStatus(StatusDriverOK)

	return &Driver{transport: transport, features: features, virtqueues: virtqueues}, nil
}

// Reset permanently resets the device.
func (d *Driver) Reset() { d.transport.WriteStatus(StatusReset) }

// Features returns the feature set negotiated with the device.
func (d *Driver) Features() uint64 { return d.features }

// InterruptStatus returns the device's current interrupt status.
func (d *Driver) InterruptStatus() InterruptStatus { return d.transport.ReadInterruptStatus() }

// ReadDeviceConfigU8 returns the device-specific configuration byte at offset.
func (d *Driver) ReadDeviceConfigU8(offset uint16) uint8 {
	return d.transport.ReadDeviceConfigU8(offset)
}

// Send enqueues a request on the given virtqueue.
func (d *Driver) Send(queueIndex uint16, buffers []virtq.Buffer) error {
	return d.virtqueues[queueIndex].Send(buffers)
}

// Notify informs the device that descriptors are ready on the given virtqueue.
func (d *Driver) Notify(queueIndex uint16) { d.virtqueues[queueIndex].Notify() }

// NumDescriptors returns the number of descriptors in the given virtqueue.
func (d *Driver) NumDescriptors(queueIndex uint16) int {
	return d.virtqueues[queueIndex].NumDescriptors()
}

// Recv returns the next set of buffers the device has returned on the
// given virtqueue, or ok=false if none are available.
func (d *Driver) Recv(queueIndex uint16) (virtq.UsedBuffers, bool) {
	return d.virtqueues[queueIndex].Recv()
}

// DisableNotifications requests that the device stop interrupting on
// the given virtqueue, for a caller about to poll it instead.
func (d *Driver) DisableNotifications(queueIndex uint16) {
	d.virtqueues[queueIndex].DisableNotifications()
}

// EnableNotifications requests that the device resume interrupting on
// the given virtqueue.
func (d *Driver) EnableNotifications(queueIndex uint16) {
	d.virtqueues[queueIndex].EnableNotifications()
}
