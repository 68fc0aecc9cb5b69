package convert

import (
	"fmt"

	"github.com/tinyrange/xenstream/internal/legacy"
	"github.com/tinyrange/xenstream/internal/libxc"
)

// readChunks runs the legacy chunk dispatch loop until the end marker.
// HVM parameters announced by individual chunks are accumulated and flushed
// as a single hvm-params record when the end marker arrives.
func (c *converter) readChunks() error {
	var hvmParams []libxc.HVMParam

	for {
		marker, err := c.in.ReadInt32()
		if err != nil {
			return fmt.Errorf("convert: chunk marker: %w", err)
		}
		chunk := legacy.Chunk(marker)
		if marker <= 0 {
			c.log.Debug("chunk", "marker", marker, "kind", chunk.String())
		}

		switch {
		case chunk == legacy.ChunkEnd:
			if len(hvmParams) > 0 {
				if c.cfg.Guest == GuestPV {
					return fmt.Errorf("convert: hvm parameters in a pv stream")
				}
				if err := c.out.WriteHVMParams(hvmParams); err != nil {
					return err
				}
			}
			return nil

		case marker > 0:
			if err := c.readPageBatch(int(marker)); err != nil {
				return err
			}

		case chunk == legacy.ChunkEnableVerifyMode:
			c.log.Debug("this is a debug stream")

		case chunk == legacy.ChunkVCPUInfo:
			if err := c.readVCPUInfo(); err != nil {
				return err
			}

		case chunk == legacy.ChunkTSCInfo:
			if err := c.readTSCInfo(); err != nil {
				return err
			}

		case chunk == legacy.ChunkLastCheckpoint:
			// Informational only: the stream ends at the next end marker.
			c.log.Debug("last checkpoint")

		case chunk == legacy.ChunkToolstack:
			if err := c.readToolstackChunk(); err != nil {
				return err
			}

		case chunk == legacy.ChunkCompressedData, chunk == legacy.ChunkEnableCompression,
			chunk == legacy.ChunkTmem, chunk == legacy.ChunkTmemExtended:
			return fmt.Errorf("convert: %q chunk: %w", chunk, ErrUnsupportedFeature)

		default:
			param, ok := hvmParamForChunk(chunk)
			if !ok {
				return fmt.Errorf("convert: unrecognised chunk %d", marker)
			}
			// Single-pointer HVM chunks share one shape: 4 bytes of
			// struct padding then the 64-bit value.
			if _, err := c.in.ReadUint32(); err != nil {
				return fmt.Errorf("convert: %q chunk: %w", chunk, err)
			}
			value, err := c.in.ReadUint64()
			if err != nil {
				return fmt.Errorf("convert: %q chunk: %w", chunk, err)
			}
			c.log.Debug("hvm param", "kind", chunk.String(), "index", param, "value", fmt.Sprintf("0x%x", value))
			hvmParams = append(hvmParams, libxc.HVMParam{Index: param, Value: value})
		}
	}
}

// hvmParamForChunk maps the single-pointer legacy chunks onto their v2 HVM
// parameter indices.
func hvmParamForChunk(chunk legacy.Chunk) (uint64, bool) {
	switch chunk {
	case legacy.ChunkHVMIdentPT:
		return libxc.HVMParamIdentPT, true
	case legacy.ChunkHVMVM86TSS:
		return libxc.HVMParamVM86TSS, true
	case legacy.ChunkHVMConsolePFN:
		return libxc.HVMParamConsolePFN, true
	case legacy.ChunkHVMACPIIOPortsLocation:
		return libxc.HVMParamACPIIOPortsLocation, true
	case legacy.ChunkHVMViridian:
		return libxc.HVMParamViridian, true
	case legacy.ChunkHVMGenerationIDAddr:
		return libxc.HVMParamVMGenerationIDAddr, true
	case legacy.ChunkHVMPagingRingPFN:
		return libxc.HVMParamPagingRingPFN, true
	case legacy.ChunkHVMAccessRingPFN:
		return libxc.HVMParamMonitorRingPFN, true
	case legacy.ChunkHVMSharingRingPFN:
		return libxc.HVMParamSharingRingPFN, true
	case legacy.ChunkHVMIoreqServerPFN:
		return libxc.HVMParamIoreqServerPFN, true
	case legacy.ChunkHVMNrIoreqServerPages:
		return libxc.HVMParamNrIoreqServerPages, true
	default:
		return 0, false
	}
}

// readTSCInfo decodes the TSC calibration chunk and forwards it immediately
// as its own record. Note the legacy field order (mode, nsec, khz) differs
// from the v2 record layout (mode, khz, nsec).
func (c *converter) readTSCInfo() error {
	mode, err := c.in.ReadUint32()
	if err != nil {
		return fmt.Errorf("convert: tsc info chunk: %w", err)
	}
	nsec, err := c.in.ReadUint64()
	if err != nil {
		return fmt.Errorf("convert: tsc info chunk: %w", err)
	}
	khz, err := c.in.ReadUint32()
	if err != nil {
		return fmt.Errorf("convert: tsc info chunk: %w", err)
	}
	incarnation, err := c.in.ReadUint32()
	if err != nil {
		return fmt.Errorf("convert: tsc info chunk: %w", err)
	}

	c.log.Debug("tsc info", "mode", mode, "nsec", nsec,
		"khz", khz, "incarnation", incarnation)
	return c.out.WriteTSCInfo(mode, khz, nsec, incarnation)
}

// readPageBatch handles one positive marker: count pfns, then page contents
// for the subset of entries that carry data.
func (c *converter) readPageBatch(count int) error {
	if count > legacy.MaxBatch {
		return fmt.Errorf("convert: page batch of %d pfns exceeds maximum %d",
			count, legacy.MaxBatch)
	}

	raw, err := c.in.ReadULongs(count)
	if err != nil {
		return fmt.Errorf("convert: page batch pfns: %w", err)
	}

	// The legacy saver emits XTAB placeholders for pfns it could not map.
	// They carry no data and are not part of the v2 stream.
	pfns := raw[:0]
	for _, pfn := range raw {
		if pfn != legacy.PFNTagXTab {
			pfns = append(pfns, pfn)
		}
	}

	seen := make(map[uint64]struct{}, len(pfns))
	nrPages := 0
	encoded := make([]uint64, len(pfns))
	for i, pfn := range pfns {
		if _, dup := seen[pfn]; dup {
			return fmt.Errorf("convert: duplicate pfn 0x%x in page batch", pfn)
		}
		seen[pfn] = struct{}{}
		if legacy.HasPageData(pfn) {
			nrPages++
		}
		encoded[i] = libxc.EncodePFN(pfn)
	}

	pages, err := c.in.ReadExact(nrPages * legacy.PageSize)
	if err != nil {
		return fmt.Errorf("convert: page batch data: %w", err)
	}

	if err := c.out.WritePageData(encoded, pages); err != nil {
		return err
	}
	if c.cfg.Progress != nil {
		c.cfg.Progress(nrPages)
	}
	return nil
}

// readVCPUInfo decodes the online-vcpu bitmap, recording online ids in
// ascending order. The order fixes how per-vcpu tail blocks are consumed.
func (c *converter) readVCPUInfo() error {
	maxID, err := c.in.ReadInt32()
	if err != nil {
		return fmt.Errorf("convert: vcpu info chunk: %w", err)
	}
	if maxID < 0 || maxID > legacy.MaxVCPUID {
		return fmt.Errorf("convert: vcpu max_id %d out of range [0, %d]",
			maxID, legacy.MaxVCPUID)
	}

	words := int(maxID)/64 + 1
	for idx := 0; idx < words; idx++ {
		word, err := c.in.ReadUint64()
		if err != nil {
			return fmt.Errorf("convert: vcpu bitmap: %w", err)
		}
		for bit := 0; word != 0; bit++ {
			if word&1 != 0 {
				c.onlineVCPUs = append(c.onlineVCPUs, uint32(idx*64+bit))
			}
			word >>= 1
		}
	}

	c.log.Debug("vcpu info", "max_id", maxID, "online", c.onlineVCPUs)
	return nil
}

// readToolstackChunk consumes one toolstack blob. Only the libxl dialect has
// somewhere to put the decoded key/value pairs; bare runs discard the data.
func (c *converter) readToolstackChunk() error {
	size, err := c.in.ReadUint32()
	if err != nil {
		return fmt.Errorf("convert: toolstack chunk: %w", err)
	}
	if size == 0 {
		return nil
	}
	data, err := c.readBlob("toolstack chunk", size)
	if err != nil {
		return err
	}
	if c.env == nil {
		c.log.Warn("discarding toolstack data in bare libxc format", "bytes", size)
		return nil
	}
	return c.readLibxlToolstack(data)
}
