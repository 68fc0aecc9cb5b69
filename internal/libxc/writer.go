package libxc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Writer emits a v2 libxc stream to an underlying writer. Records are framed
// with a type+length header and zero padded to an 8-byte boundary; the two
// stream headers must be written first, in order, exactly once.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w as a libxc stream writer.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func (w *Writer) write(buf []byte) error {
	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("libxc: write: %w", err)
	}
	return nil
}

// WriteImageHeader emits the stream identification header. Header fields are
// big-endian; the options word declares the rest of the stream little-endian.
func (w *Writer) WriteImageHeader() error {
	buf := make([]byte, ImageHeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], ImageMarker)
	binary.BigEndian.PutUint32(buf[8:12], ImageIdent)
	binary.BigEndian.PutUint32(buf[12:16], ImageVersion)
	binary.BigEndian.PutUint16(buf[16:18], ImageOptLittleEndian)
	// 18:24 reserved
	return w.write(buf)
}

// WriteDomainHeader emits the per-domain-type header for dt.
func (w *Writer) WriteDomainHeader(dt DomainType) error {
	buf := make([]byte, DomainHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(dt))
	binary.LittleEndian.PutUint16(buf[4:6], PageShift)
	// 6:8 reserved
	binary.LittleEndian.PutUint32(buf[8:12], ConverterXenMajor)
	binary.LittleEndian.PutUint32(buf[12:16], ConverterXenMinor)
	return w.write(buf)
}

// recordPadding returns the zero padding that rounds length up to 8 bytes.
func recordPadding(length int) int {
	return (8 - length&7) & 7
}

var zeroPad [7]byte

// WriteRecord concatenates the payload fragments into one record of type rt.
func (w *Writer) WriteRecord(rt RecordType, frags ...[]byte) error {
	length := 0
	for _, frag := range frags {
		length += len(frag)
	}

	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(rt))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(length))
	if err := w.write(hdr[:]); err != nil {
		return err
	}
	for _, frag := range frags {
		if err := w.write(frag); err != nil {
			return err
		}
	}
	return w.write(zeroPad[:recordPadding(length)])
}

// WritePageData emits one page-data record for the given already-encoded
// pfns and their page contents. This streams the header, pfn list and page
// bytes directly rather than concatenating a large intermediate buffer, but
// the output is identical to WriteRecord with the same logical payload.
func (w *Writer) WritePageData(pfns []uint64, pages []byte) error {
	length := 8 + len(pfns)*8 + len(pages)

	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(RecPageData))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(length))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(pfns)))
	// 12:16 reserved
	if err := w.write(hdr[:]); err != nil {
		return err
	}

	buf := make([]byte, len(pfns)*8)
	for i, pfn := range pfns {
		binary.LittleEndian.PutUint64(buf[i*8:], pfn)
	}
	if err := w.write(buf); err != nil {
		return err
	}
	if err := w.write(pages); err != nil {
		return err
	}
	return w.write(zeroPad[:recordPadding(length)])
}

// WriteX86PVInfo emits the guest width and page-table depth record.
func (w *Writer) WriteX86PVInfo(guestWidth, ptLevels uint8) error {
	buf := make([]byte, 8)
	buf[0] = guestWidth
	buf[1] = ptLevels
	// 2:8 reserved
	return w.WriteRecord(RecX86PVInfo, buf)
}

// WriteX86PVP2MFrames emits the p2m frame-list record covering pfns
// [0, p2mSize).
func (w *Writer) WriteX86PVP2MFrames(p2mSize uint64, frames []uint64) error {
	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr[0:4], 0)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(p2mSize-1))

	buf := make([]byte, len(frames)*8)
	for i, frame := range frames {
		binary.LittleEndian.PutUint64(buf[i*8:], frame)
	}
	return w.WriteRecord(RecX86PVP2MFrames, hdr, buf)
}

// vcpuHeader builds the vcpu-id prefix shared by the per-vcpu records.
func vcpuHeader(vcpuID uint32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], vcpuID)
	// 4:8 reserved
	return buf
}

// WriteX86PVVCPUBasic emits one vcpu's basic context block.
func (w *Writer) WriteX86PVVCPUBasic(vcpuID uint32, data []byte) error {
	return w.WriteRecord(RecX86PVVCPUBasic, vcpuHeader(vcpuID), data)
}

// WriteX86PVVCPUExtended emits one vcpu's extended context block.
func (w *Writer) WriteX86PVVCPUExtended(vcpuID uint32, data []byte) error {
	return w.WriteRecord(RecX86PVVCPUExtended, vcpuHeader(vcpuID), data)
}

// WriteX86PVVCPUXsave emits one vcpu's xsave block, including its leading
// mask+size pair.
func (w *Writer) WriteX86PVVCPUXsave(vcpuID uint32, data []byte) error {
	return w.WriteRecord(RecX86PVVCPUXsave, vcpuHeader(vcpuID), data)
}

// WriteTSCInfo emits the TSC calibration record.
func (w *Writer) WriteTSCInfo(mode, khz uint32, nsec uint64, incarnation uint32) error {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint32(buf[0:4], mode)
	binary.LittleEndian.PutUint32(buf[4:8], khz)
	binary.LittleEndian.PutUint64(buf[8:16], nsec)
	binary.LittleEndian.PutUint32(buf[16:20], incarnation)
	// 20:24 reserved
	return w.WriteRecord(RecTSCInfo, buf)
}

// HVMParam is one hvm-params record entry.
type HVMParam struct {
	Index uint64
	Value uint64
}

// WriteHVMParams emits all accumulated HVM parameters as one record.
func (w *Writer) WriteHVMParams(params []HVMParam) error {
	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(params)))
	// 4:8 reserved

	buf := make([]byte, len(params)*16)
	for i, p := range params {
		binary.LittleEndian.PutUint64(buf[i*16:], p.Index)
		binary.LittleEndian.PutUint64(buf[i*16+8:], p.Value)
	}
	return w.WriteRecord(RecHVMParams, hdr, buf)
}

// WriteSharedInfo emits the guest's shared-info page.
func (w *Writer) WriteSharedInfo(page []byte) error {
	return w.WriteRecord(RecSharedInfo, page)
}

// WriteHVMContext emits the opaque hypervisor device-context blob.
func (w *Writer) WriteHVMContext(blob []byte) error {
	return w.WriteRecord(RecHVMContext, blob)
}

// WriteEnd emits the zero-length end-of-stream record.
func (w *Writer) WriteEnd() error {
	return w.WriteRecord(RecEnd)
}
