// Package libxc writes and reads the v2 libxc migration stream format: a
// fixed image header, a domain header, then typed records padded to 8-byte
// boundaries. Field layouts follow docs/specs/libxc-migration-stream and must
// be reproduced bit for bit.
package libxc

// Image header. Written big-endian; the options field declares the byte order
// of everything after the domain header.
const (
	ImageMarker  uint64 = 0xffffffffffffffff
	ImageIdent   uint32 = 0x58454e46 // "XENF"
	ImageVersion uint32 = 2

	ImageOptLittleEndian uint16 = 0
	ImageOptBigEndian    uint16 = 1
)

// ImageHeaderSize and DomainHeaderSize are the fixed header lengths in bytes.
const (
	ImageHeaderSize  = 24
	DomainHeaderSize = 16
)

// DomainType selects the per-domain-type header variant.
type DomainType uint32

const (
	DomainTypeX86PV  DomainType = 1
	DomainTypeX86HVM DomainType = 2
)

// PageShift is the only page granularity the format supports.
const PageShift = 12

// ConverterXenMajor and ConverterXenMinor are written into the domain header
// of converted streams. Major 0 marks a stream that did not come from a real
// Xen saver; minor carries the converter revision.
const (
	ConverterXenMajor uint32 = 0
	ConverterXenMinor uint32 = 1
)

// RecordType identifies one stream record.
type RecordType uint32

const (
	RecEnd               RecordType = 0x00000000
	RecPageData          RecordType = 0x00000001
	RecX86PVInfo         RecordType = 0x00000002
	RecX86PVP2MFrames    RecordType = 0x00000003
	RecX86PVVCPUBasic    RecordType = 0x00000004
	RecX86PVVCPUExtended RecordType = 0x00000005
	RecX86PVVCPUXsave    RecordType = 0x00000006
	RecSharedInfo        RecordType = 0x00000007
	RecTSCInfo           RecordType = 0x00000008
	RecHVMContext        RecordType = 0x00000009
	RecHVMParams         RecordType = 0x0000000a
	RecToolstack         RecordType = 0x0000000b
	RecX86PVVCPUMSRs     RecordType = 0x0000000c
	RecVerify            RecordType = 0x0000000d
	RecCheckpoint        RecordType = 0x0000000e
)

var recordNames = map[RecordType]string{
	RecEnd:               "end",
	RecPageData:          "page data",
	RecX86PVInfo:         "x86 pv info",
	RecX86PVP2MFrames:    "x86 pv p2m frames",
	RecX86PVVCPUBasic:    "x86 pv vcpu basic",
	RecX86PVVCPUExtended: "x86 pv vcpu extended",
	RecX86PVVCPUXsave:    "x86 pv vcpu xsave",
	RecSharedInfo:        "shared info",
	RecTSCInfo:           "tsc info",
	RecHVMContext:        "hvm context",
	RecHVMParams:         "hvm params",
	RecToolstack:         "toolstack",
	RecX86PVVCPUMSRs:     "x86 pv vcpu msrs",
	RecVerify:            "verify",
	RecCheckpoint:        "checkpoint",
}

func (t RecordType) String() string {
	if name, ok := recordNames[t]; ok {
		return name
	}
	return "unknown"
}

// HVM parameter indices, from the public hvm/params.h ABI.
const (
	HVMParamStorePFN            uint64 = 1
	HVMParamIoreqPFN            uint64 = 5
	HVMParamBufioreqPFN         uint64 = 6
	HVMParamViridian            uint64 = 9
	HVMParamIdentPT             uint64 = 12
	HVMParamVM86TSS             uint64 = 15
	HVMParamConsolePFN          uint64 = 17
	HVMParamACPIIOPortsLocation uint64 = 19
	HVMParamPagingRingPFN       uint64 = 27
	HVMParamMonitorRingPFN      uint64 = 28
	HVMParamSharingRingPFN      uint64 = 29
	HVMParamIoreqServerPFN      uint64 = 32
	HVMParamNrIoreqServerPages  uint64 = 33
	HVMParamVMGenerationIDAddr  uint64 = 34
)

// EncodePFN widens a legacy page-batch frame number to the v2 layout: the
// four type-tag bits move from bits 28-31 up to bits 60-63 and the low 28
// bits keep the frame index, leaving room for the expanded tag space.
func EncodePFN(pfn uint64) uint64 {
	return (pfn&0xf0000000)<<32 | pfn&0x0fffffff
}
