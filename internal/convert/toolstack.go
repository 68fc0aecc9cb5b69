package convert

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tinyrange/xenstream/internal/binio"
)

// physmapHeaderLen is the fixed part of one physmap entry in a libxl
// toolstack blob: phys (8), start (8), size (8), name length (4).
const physmapHeaderLen = 28

// readLibxlToolstack decodes a versioned list of physmap entries from a
// toolstack chunk and appends their key/value form to the accumulated
// emulator xenstore data. A 64-bit source toolstack leaks 4 bytes of struct
// padding onto the end of every name; those bytes are part of the cursor
// arithmetic but not of the name.
func (c *converter) readLibxlToolstack(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("convert: toolstack data too short for header: %d bytes", len(data))
	}

	version := binary.LittleEndian.Uint32(data[0:4])
	count := binary.LittleEndian.Uint32(data[4:8])
	data = data[8:]

	if version != 1 {
		return fmt.Errorf("convert: cannot decode toolstack data version %d", version)
	}
	c.log.Debug("toolstack data", "version", version, "entries", count)

	wide := c.in.Width() == binio.Width64

	for i := uint32(0); i < count; i++ {
		if len(data) < physmapHeaderLen {
			return fmt.Errorf("convert: toolstack entry %d: %d bytes left, want %d header bytes",
				i, len(data), physmapHeaderLen)
		}
		phys := binary.LittleEndian.Uint64(data[0:8])
		start := binary.LittleEndian.Uint64(data[8:16])
		size := binary.LittleEndian.Uint64(data[16:24])
		nameLen := int(binary.LittleEndian.Uint32(data[24:28]))
		data = data[physmapHeaderLen:]

		if nameLen == 0 {
			return fmt.Errorf("convert: toolstack entry %d has no name", i)
		}
		if wide {
			nameLen += 4
		}
		if len(data) < nameLen {
			return fmt.Errorf("convert: toolstack entry %d: %d bytes left, want %d name bytes",
				i, len(data), nameLen)
		}
		name := data[:nameLen]
		data = data[nameLen:]
		if wide {
			name = name[:len(name)-4]
		}
		if name[len(name)-1] != 0 {
			return fmt.Errorf("convert: toolstack entry %d name is not NUL terminated", i)
		}

		root := fmt.Sprintf("physmap/%x", phys)
		kv := []string{
			root + "/start_addr", fmt.Sprintf("%x", start),
			root + "/size", fmt.Sprintf("%x", size),
			root + "/name", string(name[:len(name)-1]),
		}
		for j := 0; j < len(kv); j += 2 {
			c.log.Debug("physmap", "key", kv[j], "value", kv[j+1])
		}
		c.emuXenstore = append(c.emuXenstore, strings.Join(kv, "\x00")...)
		c.emuXenstore = append(c.emuXenstore, 0)
	}
	return nil
}
