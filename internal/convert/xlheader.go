package convert

import (
	"bytes"
	"fmt"

	"github.com/tinyrange/xenstream/internal/legacy"
)

// skipXLHeader validates and consumes an xl save-file wrapping header ahead
// of the legacy stream proper. A header flagged as already carrying a v2
// stream means the file needs no conversion, which is an input error here.
func (c *converter) skipXLHeader() error {
	magic, err := c.in.ReadExact(len(legacy.XLMagic))
	if err != nil {
		return fmt.Errorf("convert: xl header magic: %w", err)
	}
	if !bytes.Equal(magic, []byte(legacy.XLMagic)) {
		return fmt.Errorf("convert: no xl header magic at start of stream")
	}

	// byte order, mandatory flags, optional flags, optional data length
	if _, err := c.in.ReadUint32(); err != nil {
		return fmt.Errorf("convert: xl header: %w", err)
	}
	mandatory, err := c.in.ReadUint32()
	if err != nil {
		return fmt.Errorf("convert: xl header: %w", err)
	}
	if _, err := c.in.ReadUint32(); err != nil {
		return fmt.Errorf("convert: xl header: %w", err)
	}
	optLen, err := c.in.ReadUint32()
	if err != nil {
		return fmt.Errorf("convert: xl header: %w", err)
	}
	if _, err := c.readBlob("xl header optional data", optLen); err != nil {
		return err
	}

	if mandatory&legacy.XLMandatoryFlagStreamV2 != 0 {
		return fmt.Errorf("convert: xl save file already contains a v2 stream")
	}

	c.log.Debug("consumed xl header", "optional_bytes", optLen)
	return nil
}
