// Package legacy holds the on-disk constant table for the pre-v2 xc save
// format. The layouts here mirror xg_save_restore.h and must not drift: the
// converter's only job is to reproduce them exactly.
package legacy

// Chunk identifies one chunk of the legacy stream. Zero terminates the
// stream, positive values are page-batch counts, and the named negative
// values form a closed set of metadata chunks.
type Chunk int32

const (
	ChunkEnd                    Chunk = 0
	ChunkEnableVerifyMode       Chunk = -1
	ChunkVCPUInfo               Chunk = -2
	ChunkHVMIdentPT             Chunk = -3
	ChunkHVMVM86TSS             Chunk = -4
	ChunkTmem                   Chunk = -5
	ChunkTmemExtended           Chunk = -6
	ChunkTSCInfo                Chunk = -7
	ChunkHVMConsolePFN          Chunk = -8
	ChunkLastCheckpoint         Chunk = -9
	ChunkHVMACPIIOPortsLocation Chunk = -10
	ChunkHVMViridian            Chunk = -11
	ChunkCompressedData         Chunk = -12
	ChunkEnableCompression      Chunk = -13
	ChunkHVMGenerationIDAddr    Chunk = -14
	ChunkHVMPagingRingPFN       Chunk = -15
	ChunkHVMAccessRingPFN       Chunk = -16
	ChunkHVMSharingRingPFN      Chunk = -17
	ChunkToolstack              Chunk = -18
	ChunkHVMIoreqServerPFN      Chunk = -19
	ChunkHVMNrIoreqServerPages  Chunk = -20
)

var chunkNames = map[Chunk]string{
	ChunkEnd:                    "end",
	ChunkEnableVerifyMode:       "enable verify mode",
	ChunkVCPUInfo:               "vcpu info",
	ChunkHVMIdentPT:             "hvm ident pt",
	ChunkHVMVM86TSS:             "hvm vm86 tss",
	ChunkTmem:                   "tmem",
	ChunkTmemExtended:           "tmem extended",
	ChunkTSCInfo:                "tsc info",
	ChunkHVMConsolePFN:          "hvm console pfn",
	ChunkLastCheckpoint:         "last checkpoint",
	ChunkHVMACPIIOPortsLocation: "hvm acpi ioports location",
	ChunkHVMViridian:            "hvm viridian",
	ChunkCompressedData:         "compressed data",
	ChunkEnableCompression:      "enable compression",
	ChunkHVMGenerationIDAddr:    "hvm generation id addr",
	ChunkHVMPagingRingPFN:       "hvm paging ring pfn",
	ChunkHVMAccessRingPFN:       "hvm access ring pfn",
	ChunkHVMSharingRingPFN:      "hvm sharing ring pfn",
	ChunkToolstack:              "toolstack",
	ChunkHVMIoreqServerPFN:      "hvm ioreq server pfn",
	ChunkHVMNrIoreqServerPages:  "hvm nr ioreq server pages",
}

func (c Chunk) String() string {
	if name, ok := chunkNames[c]; ok {
		return name
	}
	if c > 0 {
		return "page batch"
	}
	return "unknown"
}

const (
	// MaxBatch bounds the pfn count of one page batch.
	MaxBatch = 1024

	// MaxVCPUID bounds the vcpu-info chunk's max_vcpu_id field.
	MaxVCPUID = 4095

	// PageSize is the guest page granularity of the format.
	PageSize = 4096
)

// Page-batch pfn entries carry a type tag in the top nibble of their 32-bit
// shape. Entries tagged XTAB are placeholders for pfns the saver could not
// map; tags at or above XALLOC carry no page content in the stream.
const (
	PFNTagMask   uint64 = 0xf0000000
	PFNTagXAlloc uint64 = 0xd0000000
	PFNTagXTab   uint64 = 0xf0000000
)

// HasPageData reports whether a batch entry is followed by 4096 bytes of page
// content in the stream.
func HasPageData(pfn uint64) bool {
	return pfn&PFNTagMask < PFNTagXAlloc
}

// Extended-info sub-block tags (PV only).
const (
	ExtInfoVCPU = "vcpu"
	ExtInfoExtV = "extv"
	ExtInfoXCnt = "xcnt"
)

// The two accepted "vcpu" sub-block sizes, which encode the guest width and
// page-table depth of the domain.
const (
	VCPUBasicLen64 = 0x1430 // 64-bit guest, 4 page-table levels
	VCPUBasicLen32 = 0xaf0  // 32-bit guest, 3 page-table levels
)

// ExtendedVCPULen is the fixed size of one per-vcpu extended context block.
const ExtendedVCPULen = 128

// Device-model tail signature. Only this one value is recognized.
const QemuSignature = "DeviceModelRecord0002"

// xl save-file wrapping header.
const (
	XLMagic = "Xen saved domain, xl format\n \x00 \r"

	// XLMandatoryFlagStreamV2 in the mandatory-flags word marks a save file
	// that already carries a v2 stream, which this converter must refuse.
	XLMandatoryFlagStreamV2 = 2
)
