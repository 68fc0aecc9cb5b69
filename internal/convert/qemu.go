package convert

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/xenstream/internal/legacy"
)

// readQemuTail handles the optional trailing device-model state. The libxl
// dialect re-wraps the payload in an emulator-context record; the bare
// dialect passes signature, length and payload through untouched.
func (c *converter) readQemuTail() error {
	sig, err := c.in.ReadExact(len(legacy.QemuSignature))
	if err != nil {
		return fmt.Errorf("convert: device model signature: %w", err)
	}
	if !bytes.Equal(sig, []byte(legacy.QemuSignature)) {
		return fmt.Errorf("convert: unrecognised device model signature %q", sig)
	}

	size, err := c.in.ReadUint32()
	if err != nil {
		return fmt.Errorf("convert: device model length: %w", err)
	}
	blob, err := c.readBlob("device model state", size)
	if err != nil {
		return err
	}
	c.log.Debug("device model state", "bytes", size)

	if c.env != nil {
		return c.env.WriteEmulatorContext(blob)
	}

	// Bare format: the consumer expects the legacy qemu framing verbatim.
	var rawSize [4]byte
	binary.LittleEndian.PutUint32(rawSize[:], size)
	for _, chunk := range [][]byte{sig, rawSize[:], blob} {
		if _, err := c.cfg.Out.Write(chunk); err != nil {
			return fmt.Errorf("convert: device model passthrough: %w", err)
		}
	}
	return nil
}
