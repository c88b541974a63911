package scsi

import (
	"bytes"
	"fmt"

	"golang.org/x/text/encoding/charmap"
)

// reportLunsWellKnownLUN addresses the REPORT LUNS well-known logical
// unit (SAM-5 §4.9.1), used to discover a target's logical units
// without first knowing any of them.
const reportLunsWellKnownLUN = 0xc101000000000000

// targetBase returns the VirtIO SCSI LUN base address for the given
// SCSI target.
func targetBase(target uint8) uint64 {
	return 0x0100000000000000 | (uint64(target) << 48)
}

// maxTestUnitReadyAttempts bounds how many times Scan retries TEST
// UNIT READY while a target reports it is still coming out of reset.
const maxTestUnitReadyAttempts = 10

// BlockDevice is a SCSI logical unit identified during Scan as a
// direct-access block device.
type BlockDevice struct {
	host    *Host
	lun     uint64
	Vendor  string
	Product string

	capacity          uint64
	blockSize         uint32
	maxTransferLength uint32 // 0 means unbounded.
}

// decodeASCIIField strips trailing spaces, decodes the bytes (INQUIRY
// vendor/product fields are specified as ASCII but devices disagree in
// practice) via the IBM codepage 437 byte-for-byte mapping, and drops
// anything that doesn't decode as plain ASCII.
func decodeASCIIField(raw []byte) string {
	trimmed := bytes.TrimRight(raw, " \x00")
	decoded, err := charmap.CodePage437.NewDecoder().Bytes(trimmed)
	if err != nil {
		decoded = trimmed
	}
	out := make([]byte, 0, len(decoded))
	for _, b := range decoded {
		if b < 0x80 {
			out = append(out, b)
		}
	}
	return string(out)
}

// Scan discovers logical units behind host: the well-known REPORT LUNS
// unit plus every target from 0 to maxTarget, then identifies the
// device type and, for direct-access block devices, waits for the
// device to become ready and reads its capacity. It returns one
// BlockDevice per direct-access logical unit found; other device types
// are skipped.
func Scan(host *Host, maxTarget uint8, describer SenseDescriber) ([]*BlockDevice, error) {
	bases := make([]uint64, 0, int(maxTarget)+2)
	bases = append(bases, reportLunsWellKnownLUN)
	for target := 0; target <= int(maxTarget); target++ {
		bases = append(bases, targetBase(uint8(target)))
	}

	const reportLunsDataLen = 72
	var luns []uint64
	for _, base := range bases {
		data := make([]byte, reportLunsDataLen)
		cdb := ReportLuns{SelectReport: SelectAll, AllocationLength: reportLunsDataLen}
		n, err := host.Recv(base, cdb, data, true)
		if err != nil {
			if resp, ok := err.(*ErrBadResponse); ok && resp.Response == ResponseBadTarget {
				continue
			}
			continue
		}
		res := data[:n]
		if len(res) < 8 {
			continue
		}
		lunListLength := uint32(res[0])<<24 | uint32(res[1])<<16 | uint32(res[2])<<8 | uint32(res[3])
		if lunListLength%8 != 0 {
			continue
		}
		for i := 0; i < int(lunListLength); i += 8 {
			off := 8 + i
			if off+8 > len(res) {
				break
			}
			var lun uint64
			for j := 0; j < 8; j++ {
				lun = lun<<8 | uint64(res[off+j])
			}
			localised, err := localiseLUN(base, lun)
			if err != nil {
				continue
			}
			luns = append(luns, localised)
		}
	}

	var devices []*BlockDevice
	if len(luns) == 0 {
		return devices, nil
	}

	const inquiryDataLen = 96
	for _, lun := range luns {
		data := make([]byte, inquiryDataLen)
		n, err := host.Recv(lun, Inquiry{AllocationLength: inquiryDataLen}, data, true)
		if err != nil {
			continue
		}
		res := data[:n]
		if len(res) < 32 {
			continue
		}
		if responseDataFormat := res[3] & 0b1111; responseDataFormat != 2 {
			continue
		}

		vendor := decodeASCIIField(res[8:16])
		product := decodeASCIIField(res[16:32])
		deviceType := PeripheralDeviceType(res[0] & 0b11111)

		if deviceType != DirectAccessBlockDevice {
			continue
		}

		if err := waitUntilReady(host, lun, describer); err != nil {
			continue
		}

		capData := make([]byte, inquiryDataLen)
		n, err = host.Recv(lun, ReadCapacity16{AllocationLength: inquiryDataLen}, capData, true)
		if err != nil || n < 12 {
			continue
		}
		res = capData[:n]
		var capacity uint64
		for i := 0; i < 8; i++ {
			capacity = capacity<<8 | uint64(res[i])
		}
		capacity++ // Field reports the last addressable block.
		blockSize := uint32(res[8])<<24 | uint32(res[9])<<16 | uint32(res[10])<<8 | uint32(res[11])

		var maxTransferLength uint32
		limitsData := make([]byte, inquiryDataLen)
		page := PageBlockLimits
		n, err = host.Recv(lun, Inquiry{PageCode: &page, AllocationLength: inquiryDataLen}, limitsData, true)
		if err == nil && n >= 12 {
			res = limitsData[:n]
			maxTransferLength = uint32(res[8])<<24 | uint32(res[9])<<16 | uint32(res[10])<<8 | uint32(res[11])
		}

		devices = append(devices, &BlockDevice{
			host: host, lun: lun, Vendor: vendor, Product: product,
			capacity: capacity, blockSize: blockSize, maxTransferLength: maxTransferLength,
		})
	}

	return devices, nil
}

// waitUntilReady retries TEST UNIT READY while the device reports it
// is still recovering from a power-on or bus reset.
func waitUntilReady(host *Host, lun uint64, describer SenseDescriber) error {
	var lastErr error
	for i := 0; i < maxTestUnitReadyAttempts; i++ {
		_, err := host.Recv(lun, TestUnitReady{}, nil, true)
		if err == nil {
			return nil
		}
		if bad, ok := err.(*ErrBadStatus); ok && bad.Status == StatusCheckCondition && bad.HasSense && bad.Sense.isPowerOnOrBusReset() {
			lastErr = err
			continue
		}
		lastErr = err
		break
	}
	if lastErr == nil {
		return nil
	}
	if describer != nil {
		if bad, ok := lastErr.(*ErrBadStatus); ok && bad.HasSense {
			return fmt.Errorf("scsi: device at lun 0x%x not ready: %s", lun, describer.Describe(bad.Sense))
		}
	}
	return fmt.Errorf("scsi: device at lun 0x%x not ready: %w", lun, lastErr)
}
