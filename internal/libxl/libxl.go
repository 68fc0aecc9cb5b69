// Package libxl writes the toolstack-level stream envelope: its own header
// and record set, inside which a complete libxc stream is carried verbatim.
// Record framing is shared with the libxc layer.
package libxl

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/xenstream/internal/libxc"
)

// Envelope header. Written big-endian, like the libxc image header.
const (
	HeaderIdent   uint64 = 0x4c6962786c466d74 // "LibxlFmt"
	HeaderVersion uint32 = 2

	HeaderOptLittleEndian uint32 = 0 << 0
	HeaderOptBigEndian    uint32 = 1 << 0

	// HeaderOptLegacy marks a stream converted from the legacy format.
	HeaderOptLegacy uint32 = 1 << 1
)

// HeaderSize is the fixed envelope header length in bytes.
const HeaderSize = 16

// RecordType identifies one envelope record.
type RecordType = libxc.RecordType

const (
	RecEnd                  RecordType = 0x00000000
	RecLibxcContext         RecordType = 0x00000001
	RecEmulatorXenstoreData RecordType = 0x00000002
	RecEmulatorContext      RecordType = 0x00000003
	RecCheckpointEnd        RecordType = 0x00000004
)

// Emulator ids carried in the emulator record sub-header.
const (
	EmulatorIDUnknown      uint32 = 0
	EmulatorIDQemuTrad     uint32 = 1
	EmulatorIDQemuUpstream uint32 = 2
)

// Writer emits the toolstack envelope. It shares record framing with the
// embedded libxc writer so padding and length semantics cannot diverge.
type Writer struct {
	w   io.Writer
	rec *libxc.Writer
}

// NewWriter wraps w as a toolstack envelope writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, rec: libxc.NewWriter(w)}
}

// WriteHeader emits the envelope header, flagged as converted-from-legacy.
func (w *Writer) WriteHeader() error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], HeaderIdent)
	binary.BigEndian.PutUint32(buf[8:12], HeaderVersion)
	binary.BigEndian.PutUint32(buf[12:16], HeaderOptLittleEndian|HeaderOptLegacy)
	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("libxl: write header: %w", err)
	}
	return nil
}

// WriteLibxcContext announces that a libxc stream follows inline.
func (w *Writer) WriteLibxcContext() error {
	return w.rec.WriteRecord(RecLibxcContext)
}

func emulatorHeader(emulatorID uint32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], emulatorID)
	// 4:8 index, always 0 for a single emulator
	return buf
}

// WriteEmulatorContext emits the device model's serialized state.
func (w *Writer) WriteEmulatorContext(blob []byte) error {
	return w.rec.WriteRecord(RecEmulatorContext, emulatorHeader(EmulatorIDQemuTrad), blob)
}

// WriteEmulatorXenstoreData emits the accumulated NUL-separated key/value
// pairs destined for the emulator's xenstore subtree.
func (w *Writer) WriteEmulatorXenstoreData(data []byte) error {
	return w.rec.WriteRecord(RecEmulatorXenstoreData, emulatorHeader(EmulatorIDQemuTrad), data)
}

// WriteEnd emits the zero-length record terminating the envelope.
func (w *Writer) WriteEnd() error {
	return w.rec.WriteRecord(RecEnd)
}
