package scsi

import (
	"fmt"
	"sync"
	"unsafe"

	"firefly/defs"
	"firefly/sched"
	"firefly/virtio"
	"firefly/virtq"
)

// requestVirtqueue is the virtqueue used to send SCSI commands to a
// VirtIO SCSI host device. Virtqueue 0 (control) and 1 (event) carry
// task management and asynchronous event notifications respectively;
// neither is needed to drive a block-oriented target.
const requestVirtqueue = 2

// ResponseCode is the virtio_scsi_cmd_resp response field.
type ResponseCode uint8

const (
	ResponseOK              ResponseCode = 0
	ResponseOverrun         ResponseCode = 1
	ResponseAborted         ResponseCode = 2
	ResponseBadTarget       ResponseCode = 3
	ResponseReset           ResponseCode = 4
	ResponseBusy            ResponseCode = 5
	ResponseTransportFailure ResponseCode = 6
	ResponseTargetFailure   ResponseCode = 7
	ResponseNexusFailure    ResponseCode = 8
	ResponseFailure         ResponseCode = 9
)

// StatusCode is the SCSI STATUS byte (SAM-5 table 31).
type StatusCode uint8

const (
	StatusGood                StatusCode = 0x00
	StatusCheckCondition      StatusCode = 0x02
	StatusConditionMet        StatusCode = 0x04
	StatusBusy                StatusCode = 0x08
	StatusReservationConflict StatusCode = 0x18
	StatusTaskSetFull         StatusCode = 0x28
	StatusACAActive           StatusCode = 0x30
	StatusTaskAborted         StatusCode = 0x40
)

// ErrBadResponse reports a virtio_scsi_cmd_resp response field other
// than OK.
type ErrBadResponse struct{ Response ResponseCode }

func (e *ErrBadResponse) Error() string {
	return fmt.Sprintf("scsi: bad response code %d", e.Response)
}

// ErrBadStatus reports a SCSI command that completed with a non-GOOD
// status.
type ErrBadStatus struct {
	Status          StatusCode
	StatusQualifier uint16
	Sense           Sense
	HasSense        bool
}

func (e *ErrBadStatus) Error() string {
	return fmt.Sprintf("scsi: bad status 0x%02x (qualifier 0x%04x)", e.Status, e.StatusQualifier)
}

// ErrInvalidLUN reports a logical unit number that cannot be expressed
// in the single-level LUN structure this driver supports.
type ErrInvalidLUN struct{ LUN uint64 }

func (e *ErrInvalidLUN) Error() string {
	return fmt.Sprintf("scsi: invalid logical unit number 0x%x", e.LUN)
}

// localiseLUN combines the target encoded in base with the single-level
// logical unit number lun, as reported by REPORT LUNS, into a VirtIO
// SCSI LUN value.
func localiseLUN(base, lun uint64) (uint64, error) {
	if lun&0xc000_0000_0000_0000 != 0 {
		return 0, &ErrInvalidLUN{LUN: lun}
	}
	l := (lun & 0x00ff_0000_0000_0000) >> 16
	b := base & 0xffff_0000_ffff_ffff
	return b | l, nil
}

// Transport is the subset of an initialised VirtIO driver a SCSI host
// needs. virtio.Driver satisfies this directly.
type Transport interface {
	ReadDeviceConfigU8(offset uint16) uint8
	InterruptStatus() virtio.InterruptStatus
	Send(queueIndex uint16, buffers []virtq.Buffer) error
	Notify(queueIndex uint16)
	Recv(queueIndex uint16) (virtq.UsedBuffers, bool)
	DisableNotifications(queueIndex uint16)
	EnableNotifications(queueIndex uint16)
}

// Config is a VirtIO SCSI host's negotiated device configuration
// (virtio-v1.1 §5.6.4's virtio_scsi_config, the fields this driver
// needs).
type Config struct {
	SenseSize uint32
	CDBSize   uint32
	MaxTarget uint8
	MaxLUN    uint16
}

// ReadConfig reads a SCSI host's device configuration.
func ReadConfig(transport Transport) Config {
	read32 := func(offset uint16) uint32 {
		return uint32(transport.ReadDeviceConfigU8(offset)) |
			uint32(transport.ReadDeviceConfigU8(offset+1))<<8 |
			uint32(transport.ReadDeviceConfigU8(offset+2))<<16 |
			uint32(transport.ReadDeviceConfigU8(offset+3))<<24
	}
	maxTarget := uint16(transport.ReadDeviceConfigU8(30)) | uint16(transport.ReadDeviceConfigU8(31))<<8
	return Config{
		SenseSize: read32(20),
		CDBSize:   read32(24),
		MaxTarget: uint8(maxTarget),
		MaxLUN:    uint16(read32(32)),
	}
}

// Host is a VirtIO SCSI host device: it sends SCSI commands to
// whichever targets and logical units sit behind it.
type Host struct {
	transport Transport
	senseSize int
	cdbSize   int
	nextID    uint64

	framePhys     defs.PhysAddr
	physMemOffset uint64

	mu      sync.Mutex
	pending map[defs.PhysAddr]sched.KernelThreadID
	sched   *sched.Scheduler
}

// NewHost builds a SCSI host driver from an already-initialised VirtIO
// transport and its negotiated sense/CDB sizes.
func NewHost(transport Transport, s *sched.Scheduler, frames virtq.FrameSource, physMemOffset uint64, senseSize, cdbSize int) (*Host, error) {
	frameRange, err := frames.AllocateNFrames(1)
	if err != nil {
		return nil, fmt.Errorf("scsi: allocating request frame: %w", err)
	}
	return &Host{
		transport:     transport,
		senseSize:     senseSize,
		cdbSize:       cdbSize,
		nextID:        1,
		framePhys:     frameRange.First.Start,
		physMemOffset: physMemOffset,
		pending:       make(map[defs.PhysAddr]sched.KernelThreadID),
		sched:         s,
	}, nil
}

func (h *Host) dmap(p defs.PhysAddr, size uint64) []byte {
	v := uintptr(p) + uintptr(h.physMemOffset)
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), size)
}

func (h *Host) physAddrOf(buf []byte) defs.PhysAddr {
	v := uintptr(unsafe.Pointer(&buf[0]))
	return defs.PhysAddr(uint64(v) - h.physMemOffset)
}

const (
	taskAttributeSimple = 0
	priorityNone        = 0
)

// doCmd sends a SCSI command to lun and returns the number of bytes
// transferred. Exactly one of dataOut/dataIn may be non-empty. If sync
// is true, doCmd busy-polls the request queue for the response instead
// of suspending the calling thread; callers use this for device
// discovery, before any per-device IRQ routing exists.
//
// Only one command may be in flight per Host at a time: it owns a
// single reusable request frame, the way the original VirtIO SCSI host
// driver serialises every command through one Arc<Mutex<Host>>.
func (h *Host) doCmd(lun uint64, cdb CommandDescriptorBlock, dataOut, dataIn []byte, sync bool) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	frameSize := int(defs.Size4KiB.Bytes())
	frame := h.dmap(h.framePhys, uint64(frameSize))
	for i := range frame {
		frame[i] = 0
	}

	len1 := 19 + h.cdbSize
	len2 := 12 + h.senseSize
	buf1 := frame[:len1]
	buf2 := frame[len1 : len1+len2]

	h.nextID++
	id := h.nextID
	for i := 0; i < 8; i++ {
		buf1[i] = uint8(lun >> (56 - 8*i))
	}
	for i := 0; i < 8; i++ {
		buf1[8+i] = uint8(id >> (8 * i))
	}
	buf1[16] = taskAttributeSimple
	buf1[17] = priorityNone
	buf1[18] = 0 // CRN.
	cdb.Serialise(buf1[19 : 19+h.cdbSize])

	buffers := make([]virtq.Buffer, 0, 4)
	buffers = append(buffers, virtq.Buffer{Kind: virtq.DeviceCanRead, Addr: h.framePhys, Len: uint32(len1)})
	if len(dataOut) > 0 {
		buffers = append(buffers, virtq.Buffer{Kind: virtq.DeviceCanRead, Addr: h.physAddrOf(dataOut), Len: uint32(len(dataOut))})
	}
	buffers = append(buffers, virtq.Buffer{Kind: virtq.DeviceCanWrite, Addr: h.framePhys + defs.PhysAddr(len1), Len: uint32(len2)})
	if len(dataIn) > 0 {
		buffers = append(buffers, virtq.Buffer{Kind: virtq.DeviceCanWrite, Addr: h.physAddrOf(dataIn), Len: uint32(len(dataIn))})
	}

	if sync {
		h.transport.DisableNotifications(requestVirtqueue)
		if err := h.transport.Send(requestVirtqueue, buffers); err != nil {
			h.transport.EnableNotifications(requestVirtqueue)
			return 0, err
		}
		h.transport.Notify(requestVirtqueue)
		for {
			used, ok := h.transport.Recv(requestVirtqueue)
			if !ok {
				continue
			}
			if used.Buffers[0].Addr != h.framePhys {
				panic("scsi: got unexpected buffer from device")
			}
			break
		}
		h.transport.EnableNotifications(requestVirtqueue)
	} else {
		self := h.sched.Current()
		h.sched.PreventNextSleep(self)
		h.pending[h.framePhys] = self
		if err := h.transport.Send(requestVirtqueue, buffers); err != nil {
			delete(h.pending, h.framePhys)
			return 0, err
		}
		h.transport.Notify(requestVirtqueue)
		h.sched.Suspend(self)
	}

	senseLen := int(buf2[0]) | int(buf2[1])<<8 | int(buf2[2])<<16 | int(buf2[3])<<24
	residual := int(buf2[4]) | int(buf2[5])<<8 | int(buf2[6])<<16 | int(buf2[7])<<24
	statusQualifier := uint16(buf2[8]) | uint16(buf2[9])<<8
	statusCode := StatusCode(buf2[10])
	response := ResponseCode(buf2[11])
	senseBytes := buf2[12:]
	if senseLen > len(senseBytes) {
		senseLen = len(senseBytes)
	}
	senseBytes = senseBytes[:senseLen]

	dataLength := len(dataOut) + len(dataIn)

	if response != ResponseOK {
		return 0, &ErrBadResponse{Response: response}
	}
	if statusCode != StatusGood {
		s, ok := parseSense(senseBytes)
		return 0, &ErrBadStatus{Status: statusCode, StatusQualifier: statusQualifier, Sense: s, HasSense: ok}
	}
	return dataLength - residual, nil
}

// Recv sends a SCSI command that reads data back from the device.
func (h *Host) Recv(lun uint64, cdb CommandDescriptorBlock, dataIn []byte, sync bool) (int, error) {
	return h.doCmd(lun, cdb, nil, dataIn, sync)
}

// Send sends a SCSI command that writes data to the device.
func (h *Host) Send(lun uint64, cdb CommandDescriptorBlock, dataOut []byte, sync bool) (int, error) {
	return h.doCmd(lun, cdb, dataOut, nil, sync)
}

// HandleIRQ services a SCSI host interrupt, resuming the waiter for
// every completed asynchronous request. ackController, if non-nil, is
// called once the device's own interrupts have been drained.
func (h *Host) HandleIRQ(ackController func()) {
	if h.transport.InterruptStatus()&virtio.QueueInterrupt == 0 {
		if ackController != nil {
			ackController()
		}
		return
	}

	for {
		used, ok := h.transport.Recv(requestVirtqueue)
		if !ok {
			break
		}
		if len(used.Buffers) == 0 {
			continue
		}
		firstAddr := used.Buffers[0].Addr

		h.mu.Lock()
		waiter, found := h.pending[firstAddr]
		delete(h.pending, firstAddr)
		h.mu.Unlock()

		if found {
			h.sched.Resume(waiter)
		}
	}

	if ackController != nil {
		ackController()
	}
}
