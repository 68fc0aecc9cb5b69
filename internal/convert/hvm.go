package convert

import (
	"fmt"

	"github.com/tinyrange/xenstream/internal/libxc"
)

// readHVMTail consumes the HVM finisher: three magic page frame numbers,
// re-emitted as HVM parameters, then the opaque hypervisor device context.
func (c *converter) readHVMTail() error {
	ioreq, err := c.in.ReadUint64()
	if err != nil {
		return fmt.Errorf("convert: hvm magic pfns: %w", err)
	}
	bufioreq, err := c.in.ReadUint64()
	if err != nil {
		return fmt.Errorf("convert: hvm magic pfns: %w", err)
	}
	store, err := c.in.ReadUint64()
	if err != nil {
		return fmt.Errorf("convert: hvm magic pfns: %w", err)
	}
	c.log.Debug("hvm magic pfns",
		"ioreq", fmt.Sprintf("0x%x", ioreq),
		"bufioreq", fmt.Sprintf("0x%x", bufioreq),
		"xenstore", fmt.Sprintf("0x%x", store))

	err = c.out.WriteHVMParams([]libxc.HVMParam{
		{Index: libxc.HVMParamIoreqPFN, Value: ioreq},
		{Index: libxc.HVMParamBufioreqPFN, Value: bufioreq},
		{Index: libxc.HVMParamStorePFN, Value: store},
	})
	if err != nil {
		return err
	}

	blobLen, err := c.in.ReadUint32()
	if err != nil {
		return fmt.Errorf("convert: hvm context length: %w", err)
	}
	blob, err := c.readBlob("hvm context", blobLen)
	if err != nil {
		return err
	}
	c.log.Debug("hvm context", "bytes", blobLen)

	if err := c.out.WriteHVMContext(blob); err != nil {
		return err
	}
	return c.out.WriteEnd()
}
