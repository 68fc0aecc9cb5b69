package convert_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/xenstream/internal/binio"
	"github.com/tinyrange/xenstream/internal/convert"
	"github.com/tinyrange/xenstream/internal/legacy"
	"github.com/tinyrange/xenstream/internal/libxc"
)

// streamBuilder assembles synthetic legacy streams.
type streamBuilder struct {
	width binio.WordWidth
	buf   bytes.Buffer
}

func newStream(width binio.WordWidth) *streamBuilder {
	return &streamBuilder{width: width}
}

func (b *streamBuilder) u32(v uint32) *streamBuilder {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

func (b *streamBuilder) i32(v int32) *streamBuilder {
	return b.u32(uint32(v))
}

func (b *streamBuilder) u64(v uint64) *streamBuilder {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

func (b *streamBuilder) ulong(v uint64) *streamBuilder {
	if b.width == binio.Width32 {
		return b.u32(uint32(v))
	}
	return b.u64(v)
}

func (b *streamBuilder) raw(data []byte) *streamBuilder {
	b.buf.Write(data)
	return b
}

func (b *streamBuilder) str(s string) *streamBuilder {
	b.buf.WriteString(s)
	return b
}

// convertStream runs a conversion over the built stream and returns the
// output bytes.
func convertStream(t *testing.T, b *streamBuilder, mutate func(*convert.Config)) ([]byte, error) {
	t.Helper()

	var out bytes.Buffer
	cfg := convert.Config{
		In:       bytes.NewReader(b.buf.Bytes()),
		Out:      &out,
		Width:    b.width,
		Guest:    convert.GuestHVM,
		Format:   convert.FormatLibxc,
		SkipQemu: true,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	err := convert.Run(cfg)
	return out.Bytes(), err
}

// readRecords consumes the libxc headers and all records from a converted
// stream, failing the test on any decode error.
func readRecords(t *testing.T, stream []byte) (libxc.DomainType, []libxc.Record) {
	t.Helper()

	r := libxc.NewRecordReader(bytes.NewReader(stream))
	if err := r.ReadImageHeader(); err != nil {
		t.Fatalf("ReadImageHeader: %v", err)
	}
	dt, err := r.ReadDomainHeader()
	if err != nil {
		t.Fatalf("ReadDomainHeader: %v", err)
	}

	var records []libxc.Record
	for {
		rec, err := r.ReadRecord()
		if err != nil {
			t.Fatalf("ReadRecord: %v", err)
		}
		records = append(records, rec)
		if rec.Type == libxc.RecEnd {
			return dt, records
		}
	}
}

func findRecord(t *testing.T, records []libxc.Record, rt libxc.RecordType) libxc.Record {
	t.Helper()
	for _, rec := range records {
		if rec.Type == rt {
			return rec
		}
	}
	t.Fatalf("no %s record in output", rt)
	return libxc.Record{}
}

// minimalHVM builds the smallest valid HVM stream: p2m size, end-of-chunks,
// three magic pfns and a device context blob.
func minimalHVM(width binio.WordWidth, blob []byte) *streamBuilder {
	b := newStream(width)
	b.ulong(16)  // p2m size
	b.i32(0)     // end of chunks
	b.u64(0x105) // ioreq pfn
	b.u64(0x106) // buffered ioreq pfn
	b.u64(0x107) // xenstore pfn
	b.u32(uint32(len(blob)))
	b.raw(blob)
	return b
}

func TestHVMRoundTrip(t *testing.T) {
	blob := []byte("hvm device context blob")

	out, err := convertStream(t, minimalHVM(binio.Width32, blob), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	dt, records := readRecords(t, out)
	if dt != libxc.DomainTypeX86HVM {
		t.Fatalf("domain type %d, want hvm", dt)
	}

	params := findRecord(t, records, libxc.RecHVMParams)
	if count := binary.LittleEndian.Uint32(params.Payload[0:4]); count != 3 {
		t.Fatalf("hvm params count %d, want 3", count)
	}
	want := []struct{ index, value uint64 }{
		{libxc.HVMParamIoreqPFN, 0x105},
		{libxc.HVMParamBufioreqPFN, 0x106},
		{libxc.HVMParamStorePFN, 0x107},
	}
	for i, w := range want {
		off := 8 + i*16
		index := binary.LittleEndian.Uint64(params.Payload[off:])
		value := binary.LittleEndian.Uint64(params.Payload[off+8:])
		if index != w.index || value != w.value {
			t.Errorf("param %d = (%d, 0x%x), want (%d, 0x%x)", i, index, value, w.index, w.value)
		}
	}

	ctx := findRecord(t, records, libxc.RecHVMContext)
	if !bytes.Equal(ctx.Payload, blob) {
		t.Fatalf("hvm context %q, want %q", ctx.Payload, blob)
	}

	if records[len(records)-1].Type != libxc.RecEnd {
		t.Fatal("stream does not finish with an end record")
	}
}

func TestPageBatchFiltering(t *testing.T) {
	// Three plain frames, one XTAB placeholder (dropped entirely) and one
	// xalloc-tagged frame (kept, but carries no page bytes).
	pfns := []uint64{1, legacy.PFNTagXTab, 2, 0xd0000005, 3}
	pages := make([]byte, 3*legacy.PageSize)
	for i := range pages {
		pages[i] = byte(i)
	}

	b := newStream(binio.Width32)
	b.ulong(16)
	b.i32(int32(len(pfns)))
	for _, pfn := range pfns {
		b.ulong(pfn)
	}
	b.raw(pages)
	b.i32(0)
	b.u64(1).u64(2).u64(3)
	b.u32(0)

	pagesSeen := 0
	out, err := convertStream(t, b, func(cfg *convert.Config) {
		cfg.Progress = func(pages int) { pagesSeen += pages }
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pagesSeen != 3 {
		t.Errorf("progress reported %d pages, want 3", pagesSeen)
	}

	_, records := readRecords(t, out)
	rec := findRecord(t, records, libxc.RecPageData)

	count := binary.LittleEndian.Uint32(rec.Payload[0:4])
	if count != 4 {
		t.Fatalf("page data pfn count %d, want 4 (placeholder dropped)", count)
	}
	wantPFNs := []uint64{1, 2, 0xd000000000000005, 3}
	for i, want := range wantPFNs {
		got := binary.LittleEndian.Uint64(rec.Payload[8+i*8:])
		if got != want {
			t.Errorf("pfn %d = 0x%x, want 0x%x", i, got, want)
		}
	}
	if got := rec.Payload[8+len(wantPFNs)*8:]; !bytes.Equal(got, pages) {
		t.Fatal("page contents differ")
	}
}

func TestPageBatchAllBacked(t *testing.T) {
	// N duplicate-free frames below the content threshold consume exactly
	// N pages and emit exactly N transformed pfns.
	const n = 5
	b := newStream(binio.Width64)
	b.ulong(16)
	b.i32(n)
	for i := 0; i < n; i++ {
		b.ulong(uint64(i))
	}
	b.raw(make([]byte, n*legacy.PageSize))
	b.i32(0)
	b.u64(1).u64(2).u64(3)
	b.u32(0)

	out, err := convertStream(t, b, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	_, records := readRecords(t, out)
	rec := findRecord(t, records, libxc.RecPageData)
	if count := binary.LittleEndian.Uint32(rec.Payload[0:4]); count != n {
		t.Fatalf("pfn count %d, want %d", count, n)
	}
	if got := len(rec.Payload) - 8 - n*8; got != n*legacy.PageSize {
		t.Fatalf("page payload %d bytes, want %d", got, n*legacy.PageSize)
	}
}

func TestDuplicatePFNsRejected(t *testing.T) {
	b := newStream(binio.Width32)
	b.ulong(16)
	b.i32(3)
	b.ulong(7).ulong(8).ulong(7)

	_, err := convertStream(t, b, nil)
	if err == nil || !bytes.Contains([]byte(err.Error()), []byte("duplicate pfn")) {
		t.Fatalf("got %v, want duplicate pfn error", err)
	}
}

func TestBatchTooLarge(t *testing.T) {
	b := newStream(binio.Width32)
	b.ulong(16)
	b.i32(legacy.MaxBatch + 1)

	_, err := convertStream(t, b, nil)
	if err == nil {
		t.Fatal("oversized batch accepted")
	}
}

func TestUnsupportedFeatureChunks(t *testing.T) {
	for _, chunk := range []legacy.Chunk{
		legacy.ChunkCompressedData,
		legacy.ChunkEnableCompression,
		legacy.ChunkTmem,
		legacy.ChunkTmemExtended,
	} {
		t.Run(chunk.String(), func(t *testing.T) {
			b := newStream(binio.Width32)
			b.ulong(16)
			b.i32(int32(chunk))

			_, err := convertStream(t, b, nil)
			if !errors.Is(err, convert.ErrUnsupportedFeature) {
				t.Fatalf("got %v, want ErrUnsupportedFeature", err)
			}
		})
	}
}

func TestUnrecognisedChunk(t *testing.T) {
	b := newStream(binio.Width32)
	b.ulong(16)
	b.i32(-40)

	_, err := convertStream(t, b, nil)
	if err == nil {
		t.Fatal("unrecognised chunk accepted")
	}
	if errors.Is(err, convert.ErrUnsupportedFeature) {
		t.Fatal("unrecognised chunk misreported as unsupported feature")
	}
}

func TestAccumulatedHVMParams(t *testing.T) {
	b := newStream(binio.Width32)
	b.ulong(16)
	b.i32(int32(legacy.ChunkHVMIdentPT)).u32(0).u64(0xca0000)
	b.i32(int32(legacy.ChunkHVMConsolePFN)).u32(0).u64(0x108)
	b.i32(int32(legacy.ChunkEnableVerifyMode))
	b.i32(int32(legacy.ChunkLastCheckpoint))
	b.i32(0)
	b.u64(0x105).u64(0x106).u64(0x107)
	b.u32(0)

	out, err := convertStream(t, b, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	_, records := readRecords(t, out)

	// Accumulated params flush as exactly one record at end-of-chunks,
	// ahead of the tail's magic-pfn record.
	var paramRecords []libxc.Record
	for _, rec := range records {
		if rec.Type == libxc.RecHVMParams {
			paramRecords = append(paramRecords, rec)
		}
	}
	if len(paramRecords) != 2 {
		t.Fatalf("%d hvm params records, want 2 (chunks + tail)", len(paramRecords))
	}

	first := paramRecords[0]
	if count := binary.LittleEndian.Uint32(first.Payload[0:4]); count != 2 {
		t.Fatalf("accumulated params count %d, want 2", count)
	}
	if index := binary.LittleEndian.Uint64(first.Payload[8:]); index != libxc.HVMParamIdentPT {
		t.Errorf("first param index %d, want ident-pt", index)
	}
	if value := binary.LittleEndian.Uint64(first.Payload[16:]); value != 0xca0000 {
		t.Errorf("first param value 0x%x, want 0xca0000", value)
	}
}

func TestTSCInfoForwarded(t *testing.T) {
	b := newStream(binio.Width32)
	b.ulong(16)
	// Legacy order: mode, nsec, khz, incarnation.
	b.i32(int32(legacy.ChunkTSCInfo)).u32(1).u64(123456789).u32(2_400_000).u32(7)
	b.i32(0)
	b.u64(0x105).u64(0x106).u64(0x107)
	b.u32(0)

	out, err := convertStream(t, b, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	_, records := readRecords(t, out)
	rec := findRecord(t, records, libxc.RecTSCInfo)
	if len(rec.Payload) != 24 {
		t.Fatalf("tsc info payload %d bytes, want 24", len(rec.Payload))
	}
	if mode := binary.LittleEndian.Uint32(rec.Payload[0:4]); mode != 1 {
		t.Errorf("mode %d, want 1", mode)
	}
	if khz := binary.LittleEndian.Uint32(rec.Payload[4:8]); khz != 2_400_000 {
		t.Errorf("khz %d, want 2400000", khz)
	}
	if nsec := binary.LittleEndian.Uint64(rec.Payload[8:16]); nsec != 123456789 {
		t.Errorf("nsec %d, want 123456789", nsec)
	}
	if inc := binary.LittleEndian.Uint32(rec.Payload[16:20]); inc != 7 {
		t.Errorf("incarnation %d, want 7", inc)
	}
}

func TestTruncatedStream(t *testing.T) {
	b := newStream(binio.Width32)
	b.ulong(16)
	b.i32(0)
	b.u64(0x105) // stream cut mid-tail

	_, err := convertStream(t, b, nil)
	if !errors.Is(err, binio.ErrTruncated) {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
}
