package libxc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Record is one decoded stream record. Padding is consumed but not kept.
type Record struct {
	Type    RecordType
	Payload []byte
}

// MaxRecordLength bounds a single record payload so a corrupt length field
// cannot drive an unbounded allocation.
const MaxRecordLength = 64 << 20

// RecordReader decodes a v2 libxc stream: the two fixed headers followed by
// framed records.
type RecordReader struct {
	r io.Reader
}

// NewRecordReader wraps r as a libxc stream reader.
func NewRecordReader(r io.Reader) *RecordReader { return &RecordReader{r: r} }

func (r *RecordReader) readFull(buf []byte) error {
	if _, err := io.ReadFull(r.r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("libxc: stream truncated: %w", err)
		}
		return fmt.Errorf("libxc: read: %w", err)
	}
	return nil
}

// ReadImageHeader reads and validates the stream identification header.
func (r *RecordReader) ReadImageHeader() error {
	buf := make([]byte, ImageHeaderSize)
	if err := r.readFull(buf); err != nil {
		return err
	}
	if marker := binary.BigEndian.Uint64(buf[0:8]); marker != ImageMarker {
		return fmt.Errorf("libxc: bad image marker 0x%016x", marker)
	}
	if ident := binary.BigEndian.Uint32(buf[8:12]); ident != ImageIdent {
		return fmt.Errorf("libxc: bad image ident 0x%08x, want 0x%08x", ident, ImageIdent)
	}
	if version := binary.BigEndian.Uint32(buf[12:16]); version != ImageVersion {
		return fmt.Errorf("libxc: unsupported stream version %d", version)
	}
	if opts := binary.BigEndian.Uint16(buf[16:18]); opts&1 != ImageOptLittleEndian {
		return fmt.Errorf("libxc: big-endian streams not supported")
	}
	return nil
}

// ReadDomainHeader reads the per-domain-type header and returns the domain
// type.
func (r *RecordReader) ReadDomainHeader() (DomainType, error) {
	buf := make([]byte, DomainHeaderSize)
	if err := r.readFull(buf); err != nil {
		return 0, err
	}
	dt := DomainType(binary.LittleEndian.Uint32(buf[0:4]))
	if shift := binary.LittleEndian.Uint16(buf[4:6]); shift != PageShift {
		return 0, fmt.Errorf("libxc: unsupported page shift %d", shift)
	}
	return dt, nil
}

// ReadRecord reads the next framed record, consuming its padding.
func (r *RecordReader) ReadRecord() (Record, error) {
	var hdr [8]byte
	if err := r.readFull(hdr[:]); err != nil {
		return Record{}, err
	}

	rt := RecordType(binary.LittleEndian.Uint32(hdr[0:4]))
	length := binary.LittleEndian.Uint32(hdr[4:8])
	if length > MaxRecordLength {
		return Record{}, fmt.Errorf("libxc: %s record length 0x%x exceeds limit 0x%x",
			rt, length, uint32(MaxRecordLength))
	}

	payload := make([]byte, int(length)+recordPadding(int(length)))
	if err := r.readFull(payload); err != nil {
		return Record{}, fmt.Errorf("libxc: %s record: %w", rt, err)
	}
	return Record{Type: rt, Payload: payload[:length]}, nil
}
