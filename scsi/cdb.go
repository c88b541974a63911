// Package scsi implements the SCSI host driver (spec component 11): a
// VirtIO SCSI host transport, logical unit scanning, and the block
// device front end it exposes once a target is identified. Sense-code
// text lookup is delegated to an injected SenseDescriber, per spec.md
// §1's exclusion of the SCSI sense-code lookup tables.
//
// Grounded on original_source/kernel/drivers/scsi/lib.rs (command
// descriptor blocks) and kernel/drivers/virtio/scsi/mod.rs (the host
// transport and device scan).
package scsi

import "fmt"

// OperationCode is a SCSI command's operation code (SPC-5 §3.1.71).
type OperationCode uint8

const (
	OpTestUnitReady  OperationCode = 0x00
	OpInquiry        OperationCode = 0x12
	OpReadCapacity10 OperationCode = 0x25
	OpReportLuns     OperationCode = 0xa0
	OpRead16         OperationCode = 0x88
	OpWrite16        OperationCode = 0x8a
	OpServiceActionIn OperationCode = 0x9e
)

// ServiceActionReadCapacity16 is the SERVICE ACTION IN(16) action code
// for READ CAPACITY(16).
const ServiceActionReadCapacity16 = 0x10

// PageCode is the PAGE CODE field of an INQUIRY command's vital
// product data request.
type PageCode uint8

const (
	PageSupportedVPDPages PageCode = 0x00
	PageUnitSerialNumber  PageCode = 0x80
	PageBlockLimits       PageCode = 0xb0
)

// PeripheralDeviceType is the device type reported in standard INQUIRY
// data (SPC-5 table 142).
type PeripheralDeviceType uint8

const (
	DirectAccessBlockDevice PeripheralDeviceType = 0x00
	SequentialAccessDevice  PeripheralDeviceType = 0x01
	WellKnownLogicalUnit    PeripheralDeviceType = 0x1e
	UnknownDeviceType       PeripheralDeviceType = 0x1f
)

// peripheralDeviceTypeName names the types this driver recognises by
// name; anything else is reported by its raw code.
var peripheralDeviceTypeName = map[PeripheralDeviceType]string{
	DirectAccessBlockDevice: "direct-access block device",
	SequentialAccessDevice:  "sequential-access device",
	WellKnownLogicalUnit:    "well-known logical unit",
	UnknownDeviceType:       "unknown device",
}

func (t PeripheralDeviceType) String() string {
	if name, ok := peripheralDeviceTypeName[t]; ok {
		return name
	}
	return fmt.Sprintf("device type 0x%02x", uint8(t))
}

// SelectReport is the SELECT REPORT field of a REPORT LUNS command.
type SelectReport uint8

const (
	SelectLimited   SelectReport = 0x00
	SelectWellKnown SelectReport = 0x01
	SelectAll       SelectReport = 0x02
)

// CommandDescriptorBlock serialises a SCSI command into a buffer.
type CommandDescriptorBlock interface {
	// Len is the number of bytes Serialise requires.
	Len() int
	// Serialise writes the command descriptor block into buffer, which
	// must be at least Len() bytes long.
	Serialise(buffer []byte)
}

func checkLen(buffer []byte, want int) {
	if len(buffer) < want {
		panic(fmt.Sprintf("scsi: command descriptor block is %d bytes long, need %d", len(buffer), want))
	}
}

// TestUnitReady is the TEST UNIT READY command.
type TestUnitReady struct{}

func (TestUnitReady) Len() int { return 6 }

func (TestUnitReady) Serialise(buffer []byte) {
	checkLen(buffer, 6)
	buffer[0] = uint8(OpTestUnitReady)
	for i := 1; i < 6; i++ {
		buffer[i] = 0
	}
}

// Inquiry is the INQUIRY command. A nil PageCode requests standard
// INQUIRY data; otherwise it requests the named vital product data page.
type Inquiry struct {
	PageCode         *PageCode
	AllocationLength uint16
}

func (Inquiry) Len() int { return 6 }

func (c Inquiry) Serialise(buffer []byte) {
	checkLen(buffer, 6)
	buffer[0] = uint8(OpInquiry)
	if c.PageCode != nil {
		buffer[1] = 1 // EVPD bit.
		buffer[2] = uint8(*c.PageCode)
	} else {
		buffer[1] = 0
		buffer[2] = 0
	}
	buffer[3] = uint8(c.AllocationLength >> 8)
	buffer[4] = uint8(c.AllocationLength)
	buffer[5] = 0 // Control.
}

// ReadCapacity10 is the READ CAPACITY(10) command.
type ReadCapacity10 struct{}

func (ReadCapacity10) Len() int { return 10 }

func (ReadCapacity10) Serialise(buffer []byte) {
	checkLen(buffer, 10)
	buffer[0] = uint8(OpReadCapacity10)
	for i := 1; i < 10; i++ {
		buffer[i] = 0
	}
}

// ReportLuns is the REPORT LUNS command.
type ReportLuns struct {
	SelectReport     SelectReport
	AllocationLength uint32
}

func (ReportLuns) Len() int { return 12 }

func (c ReportLuns) Serialise(buffer []byte) {
	checkLen(buffer, 12)
	buffer[0] = uint8(OpReportLuns)
	buffer[1] = 0
	buffer[2] = uint8(c.SelectReport)
	buffer[3], buffer[4], buffer[5] = 0, 0, 0
	buffer[6] = uint8(c.AllocationLength >> 24)
	buffer[7] = uint8(c.AllocationLength >> 16)
	buffer[8] = uint8(c.AllocationLength >> 8)
	buffer[9] = uint8(c.AllocationLength)
	buffer[10] = 0
	buffer[11] = 0 // Control.
}

// Read16 is the READ(16) command.
type Read16 struct {
	LogicalBlockAddress uint64
	TransferLength      uint32
}

func (Read16) Len() int { return 16 }

func (c Read16) Serialise(buffer []byte) {
	checkLen(buffer, 16)
	buffer[0] = uint8(OpRead16)
	buffer[1] = 0
	for i := 0; i < 8; i++ {
		buffer[2+i] = uint8(c.LogicalBlockAddress >> (56 - 8*i))
	}
	for i := 0; i < 4; i++ {
		buffer[10+i] = uint8(c.TransferLength >> (24 - 8*i))
	}
	buffer[14] = 0
	buffer[15] = 0 // Control.
}

// Write16 is the WRITE(16) command.
type Write16 struct {
	LogicalBlockAddress uint64
	TransferLength      uint32
}

func (Write16) Len() int { return 16 }

func (c Write16) Serialise(buffer []byte) {
	checkLen(buffer, 16)
	buffer[0] = uint8(OpWrite16)
	buffer[1] = 0
	for i := 0; i < 8; i++ {
		buffer[2+i] = uint8(c.LogicalBlockAddress >> (56 - 8*i))
	}
	for i := 0; i < 4; i++ {
		buffer[10+i] = uint8(c.TransferLength >> (24 - 8*i))
	}
	buffer[14] = 0
	buffer[15] = 0 // Control.
}

// ReadCapacity16 is the READ CAPACITY(16) command, sent via SERVICE
// ACTION IN(16).
type ReadCapacity16 struct {
	AllocationLength uint32
}

func (ReadCapacity16) Len() int { return 16 }

func (c ReadCapacity16) Serialise(buffer []byte) {
	checkLen(buffer, 16)
	buffer[0] = uint8(OpServiceActionIn)
	buffer[1] = ServiceActionReadCapacity16
	for i := 2; i < 10; i++ {
		buffer[i] = 0
	}
	for i := 0; i < 4; i++ {
		buffer[10+i] = uint8(c.AllocationLength >> (24 - 8*i))
	}
	buffer[14] = 0
	buffer[15] = 0 // Control.
}
