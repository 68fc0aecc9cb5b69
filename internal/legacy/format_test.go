package legacy

import "testing"

func TestHasPageData(t *testing.T) {
	tests := []struct {
		pfn  uint64
		want bool
	}{
		{0x1234, true},      // plain frame
		{0x10000005, true},  // l1 page table
		{0xcfffffff, true},  // highest tagged value with content
		{0xd0000000, false}, // xalloc: allocate only
		{0xe0000001, false}, // broken page
		{PFNTagXTab, false}, // unmapped placeholder
	}
	for _, tt := range tests {
		if got := HasPageData(tt.pfn); got != tt.want {
			t.Errorf("HasPageData(0x%x) = %v, want %v", tt.pfn, got, tt.want)
		}
	}
}

func TestChunkNames(t *testing.T) {
	if got := ChunkToolstack.String(); got != "toolstack" {
		t.Errorf("ChunkToolstack.String() = %q", got)
	}
	if got := Chunk(5).String(); got != "page batch" {
		t.Errorf("Chunk(5).String() = %q", got)
	}
	if got := Chunk(-99).String(); got != "unknown" {
		t.Errorf("Chunk(-99).String() = %q", got)
	}
}

func TestXLMagicLength(t *testing.T) {
	// The xl save-file magic is a fixed 32-byte field.
	if len(XLMagic) != 32 {
		t.Fatalf("xl magic is %d bytes, want 32", len(XLMagic))
	}
}
