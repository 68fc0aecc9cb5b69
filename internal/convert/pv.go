package convert

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/xenstream/internal/legacy"
)

// readPVExtendedInfo parses the PV extended-info block that immediately
// follows the p2m size. The block is introduced by an all-ones marker sized
// to the legacy word width, then a declared total length of tag+size+payload
// sub-blocks. The "vcpu" sub-block's size is the only source of the guest
// width and page-table depth, so it must match one of exactly two known
// layouts.
func (c *converter) readPVExtendedInfo() error {
	marker, err := c.in.ReadULong()
	if err != nil {
		return fmt.Errorf("convert: extended info marker: %w", err)
	}
	if expected := c.in.Width().Ones(); marker != expected {
		return fmt.Errorf("convert: unexpected extended info marker 0x%x, want 0x%x",
			marker, expected)
	}

	totalLength, err := c.in.ReadUint32()
	if err != nil {
		return fmt.Errorf("convert: extended info length: %w", err)
	}
	c.log.Debug("extended info", "length", totalLength)

	soFar := uint32(0)
	for soFar < totalLength {
		tag, err := c.in.ReadExact(4)
		if err != nil {
			return fmt.Errorf("convert: extended info block tag: %w", err)
		}
		size, err := c.in.ReadUint32()
		if err != nil {
			return fmt.Errorf("convert: extended info block size: %w", err)
		}
		soFar += 8

		data, err := c.readBlob("extended info block", size)
		if err != nil {
			return err
		}
		soFar += size

		c.log.Debug("extended info block", "tag", string(tag), "size", size)

		switch string(tag) {
		case legacy.ExtInfoVCPU:
			if c.basicLen != 0 {
				return fmt.Errorf("convert: duplicate %q extended info block", tag)
			}
			c.basicLen = int(size)
			switch size {
			case legacy.VCPUBasicLen64:
				c.guestWidth, c.ptLevels = 8, 4
			case legacy.VCPUBasicLen32:
				c.guestWidth, c.ptLevels = 4, 3
			default:
				return fmt.Errorf("convert: unable to determine guest width from vcpu block size 0x%x", size)
			}
			c.log.Debug("guest geometry", "width", c.guestWidth, "levels", c.ptLevels)
			if err := c.out.WriteX86PVInfo(c.guestWidth, c.ptLevels); err != nil {
				return err
			}

		case legacy.ExtInfoExtV:
			if c.extendedVCPU {
				return fmt.Errorf("convert: duplicate %q extended info block", tag)
			}
			c.extendedVCPU = true

		case legacy.ExtInfoXCnt:
			if c.xsaveLen != 0 {
				return fmt.Errorf("convert: duplicate %q extended info block", tag)
			}
			if len(data) < 4 {
				return fmt.Errorf("convert: xcnt block too short: %d bytes", len(data))
			}
			c.xsaveLen = binary.LittleEndian.Uint32(data[:4])
			// The declared length covers the 16-byte mask+size header, so
			// anything shorter cannot describe a real xsave area.
			if c.xsaveLen < 16 || c.xsaveLen > maxBlobLen {
				return fmt.Errorf("convert: implausible xsave length 0x%x", c.xsaveLen)
			}
			c.log.Debug("xsave", "len", c.xsaveLen)

		default:
			return fmt.Errorf("convert: unrecognised extended info block %q", tag)
		}
	}

	if soFar != totalLength {
		return fmt.Errorf("convert: extended info overran declared length by %d bytes",
			soFar-totalLength)
	}
	if c.guestWidth == 0 {
		return fmt.Errorf("convert: extended info carries no %q block, guest geometry unknown",
			legacy.ExtInfoVCPU)
	}
	return nil
}

// readPVP2MFrames reads the frame list backing the p2m table and forwards it
// as one record. The list length derives from the guest width recovered by
// readPVExtendedInfo.
func (c *converter) readPVP2MFrames() error {
	fpp := uint64(legacy.PageSize / int(c.guestWidth))
	if c.p2mSize > maxULongList*fpp {
		return fmt.Errorf("convert: p2m size 0x%x exceeds limit 0x%x", c.p2mSize, maxULongList*fpp)
	}
	frameCount := (c.p2mSize + fpp - 1) / fpp
	c.log.Debug("p2m frames", "frames_per_page", fpp, "count", frameCount)

	frames, err := c.in.ReadULongs(int(frameCount))
	if err != nil {
		return fmt.Errorf("convert: p2m frame list: %w", err)
	}
	return c.out.WriteX86PVP2MFrames(c.p2mSize, frames)
}

// readPVTail consumes the per-vcpu state blocks and the shared-info page.
// Block presence and sizes are fixed by the state recorded while reading the
// chunk sequence; the vcpu order is the bitmap's ascending id order.
func (c *converter) readPVTail() error {
	nrUnmapped, err := c.in.ReadUint32()
	if err != nil {
		return fmt.Errorf("convert: unmapped pfn count: %w", err)
	}
	if nrUnmapped > maxULongList {
		return fmt.Errorf("convert: unmapped pfn count 0x%x exceeds limit 0x%x",
			nrUnmapped, uint32(maxULongList))
	}
	if nrUnmapped != 0 {
		// Unmapped pfns get no new frames on the restore side, so the v2
		// stream has no representation for them.
		if _, err := c.in.ReadULongs(int(nrUnmapped)); err != nil {
			return fmt.Errorf("convert: unmapped pfn list: %w", err)
		}
		c.log.Debug("discarded unmapped pfns", "count", nrUnmapped)
	}

	if c.basicLen == 0 {
		return fmt.Errorf("convert: no vcpu context size recorded before pv tail")
	}

	for _, vcpuID := range c.onlineVCPUs {
		basic, err := c.in.ReadExact(c.basicLen)
		if err != nil {
			return fmt.Errorf("convert: vcpu %d basic context: %w", vcpuID, err)
		}
		if err := c.out.WriteX86PVVCPUBasic(vcpuID, basic); err != nil {
			return err
		}

		if c.extendedVCPU {
			extd, err := c.in.ReadExact(legacy.ExtendedVCPULen)
			if err != nil {
				return fmt.Errorf("convert: vcpu %d extended context: %w", vcpuID, err)
			}
			if err := c.out.WriteX86PVVCPUExtended(vcpuID, extd); err != nil {
				return err
			}
		}

		if c.xsaveLen != 0 {
			mask, err := c.in.ReadUint64()
			if err != nil {
				return fmt.Errorf("convert: vcpu %d xsave header: %w", vcpuID, err)
			}
			size, err := c.in.ReadUint64()
			if err != nil {
				return fmt.Errorf("convert: vcpu %d xsave header: %w", vcpuID, err)
			}
			if size != uint64(c.xsaveLen)-16 {
				return fmt.Errorf("convert: vcpu %d xsave size 0x%x does not match expected 0x%x",
					vcpuID, size, uint64(c.xsaveLen)-16)
			}
			data, err := c.in.ReadExact(int(size))
			if err != nil {
				return fmt.Errorf("convert: vcpu %d xsave data: %w", vcpuID, err)
			}

			blob := make([]byte, 16+len(data))
			binary.LittleEndian.PutUint64(blob[0:8], mask)
			binary.LittleEndian.PutUint64(blob[8:16], size)
			copy(blob[16:], data)
			if err := c.out.WriteX86PVVCPUXsave(vcpuID, blob); err != nil {
				return err
			}
		}
	}

	shinfo, err := c.in.ReadExact(legacy.PageSize)
	if err != nil {
		return fmt.Errorf("convert: shared info page: %w", err)
	}
	if err := c.out.WriteSharedInfo(shinfo); err != nil {
		return err
	}
	return c.out.WriteEnd()
}
