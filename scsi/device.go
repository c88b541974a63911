package scsi

import "firefly/defs"

// SegmentSize returns the device's logical block size in bytes.
func (d *BlockDevice) SegmentSize() uint32 { return d.blockSize }

// NumSegments returns the device's capacity as a number of logical blocks.
func (d *BlockDevice) NumSegments() uint64 { return d.capacity }

// transferLength clamps blocks to the device's reported maximum
// transfer length, if any.
func (d *BlockDevice) transferLength(blocks uint32) uint32 {
	if d.maxTransferLength != 0 && blocks > d.maxTransferLength {
		return d.maxTransferLength
	}
	return blocks
}

// Read populates buf, starting at the given logical block, from the
// device. buf's length must be an exact multiple of SegmentSize.
func (d *BlockDevice) Read(segment uint64, buf []byte) (int, error) {
	if d.blockSize == 0 || uint64(len(buf))%uint64(d.blockSize) != 0 {
		return 0, defs.ErrInvalidBuffer
	}
	blocks := uint32(uint64(len(buf)) / uint64(d.blockSize))
	cdb := Read16{LogicalBlockAddress: segment, TransferLength: d.transferLength(blocks)}
	n, err := d.host.Recv(d.lun, cdb, buf, false)
	if err != nil {
		return 0, defs.ErrDeviceError
	}
	return n, nil
}

// Flush is not supported by SCSI logical units exposed through this
// driver.
func (d *BlockDevice) Flush(segment uint64) error { return defs.ErrNotSupported }

// Write writes buf to the device, starting at the given logical block.
// buf's length must be an exact multiple of SegmentSize.
func (d *BlockDevice) Write(segment uint64, buf []byte) (int, error) {
	if d.blockSize == 0 || uint64(len(buf))%uint64(d.blockSize) != 0 {
		return 0, defs.ErrInvalidBuffer
	}
	blocks := uint32(uint64(len(buf)) / uint64(d.blockSize))
	cdb := Write16{LogicalBlockAddress: segment, TransferLength: d.transferLength(blocks)}
	n, err := d.host.Send(d.lun, cdb, buf, false)
	if err != nil {
		return 0, defs.ErrDeviceError
	}
	return n, nil
}
