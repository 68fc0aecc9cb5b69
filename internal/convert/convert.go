// Package convert transcodes a legacy xc save/restore stream into the v2
// record format, either bare (libxc) or wrapped in the toolstack (libxl)
// envelope. The legacy format is strictly sequential: later sections are only
// decodable with state recovered from earlier ones, so conversion is a single
// forward pass that aborts on the first structural error.
package convert

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/xenstream/internal/binio"
	"github.com/tinyrange/xenstream/internal/libxc"
	"github.com/tinyrange/xenstream/internal/libxl"
)

// ErrUnsupportedFeature marks input that uses a legacy feature this converter
// deliberately does not port (compressed page data, tmem). Callers use it to
// distinguish "unsupported" from "corrupt".
var ErrUnsupportedFeature = errors.New("unsupported legacy stream feature")

// GuestType selects which mode-specific tail the stream carries.
type GuestType string

const (
	GuestPV  GuestType = "pv"
	GuestHVM GuestType = "hvm"
)

// Format selects the output container dialect.
type Format string

const (
	FormatLibxc Format = "libxc"
	FormatLibxl Format = "libxl"
)

// maxBlobLen bounds the variable-length blobs whose sizes come from the
// input, so a corrupt length field cannot drive an unbounded allocation.
// maxULongList applies the same bound to input-derived unsigned-long list
// lengths (p2m frames, unmapped pfns).
const (
	maxBlobLen   = 64 << 20
	maxULongList = maxBlobLen / 8
)

// Config carries everything one conversion run needs. The caller owns the
// streams; on error the output is truncated mid-record and must be discarded.
type Config struct {
	In  io.Reader
	Out io.Writer

	// Width is the word width of the toolstack that produced the stream.
	Width binio.WordWidth

	Guest  GuestType
	Format Format

	// SkipQemu suppresses the device-model tail, for streams that never had
	// a device model attached.
	SkipQemu bool

	// XLHeader tells the converter the stream starts with an xl save-file
	// wrapping header, to be validated and consumed before conversion.
	XLHeader bool

	// Logger receives per-chunk trace output. Defaults to slog.Default().
	Logger *slog.Logger

	// Progress, if set, is called with the page count of every page batch
	// written to the output.
	Progress func(pages int)
}

func (cfg Config) validate() error {
	if cfg.In == nil || cfg.Out == nil {
		return errors.New("convert: input and output streams are required")
	}
	if !cfg.Width.Valid() {
		return fmt.Errorf("convert: invalid legacy word width %d", cfg.Width)
	}
	switch cfg.Guest {
	case GuestPV, GuestHVM:
	default:
		return fmt.Errorf("convert: invalid guest type %q", cfg.Guest)
	}
	switch cfg.Format {
	case FormatLibxc, FormatLibxl:
	default:
		return fmt.Errorf("convert: invalid output format %q", cfg.Format)
	}
	return nil
}

// converter is the mutable state of one run. It is owned by a single
// goroutine for the duration of Run.
type converter struct {
	cfg Config
	in  *binio.Reader
	out *libxc.Writer
	env *libxl.Writer // nil in bare libxc format
	log *slog.Logger

	// Cross-chunk guest state, reconstructed from the legacy stream.
	p2mSize      uint64
	guestWidth   uint8
	ptLevels     uint8
	basicLen     int
	extendedVCPU bool
	xsaveLen     uint32
	onlineVCPUs  []uint32

	// NUL-separated key/value pairs accumulated from toolstack chunks,
	// flushed as one emulator-xenstore-data record before the qemu tail.
	emuXenstore []byte
}

// Run performs one complete conversion.
func Run(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &converter{
		cfg: cfg,
		in:  binio.NewReader(cfg.In, cfg.Width),
		out: libxc.NewWriter(cfg.Out),
		log: log,
	}
	if cfg.Format == FormatLibxl {
		c.env = libxl.NewWriter(cfg.Out)
	}
	return c.run()
}

func (c *converter) run() error {
	if c.cfg.XLHeader {
		if err := c.skipXLHeader(); err != nil {
			return err
		}
	}

	var err error
	c.p2mSize, err = c.in.ReadULong()
	if err != nil {
		return fmt.Errorf("convert: p2m size: %w", err)
	}
	c.log.Info("converting legacy stream",
		"guest", c.cfg.Guest, "format", c.cfg.Format,
		"width", int(c.cfg.Width)*8, "p2m_size", c.p2mSize)

	if c.env != nil {
		if err := c.env.WriteHeader(); err != nil {
			return err
		}
		if err := c.env.WriteLibxcContext(); err != nil {
			return err
		}
	}
	if err := c.out.WriteImageHeader(); err != nil {
		return err
	}
	dt := libxc.DomainTypeX86HVM
	if c.cfg.Guest == GuestPV {
		dt = libxc.DomainTypeX86PV
	}
	if err := c.out.WriteDomainHeader(dt); err != nil {
		return err
	}

	if c.cfg.Guest == GuestPV {
		if err := c.readPVExtendedInfo(); err != nil {
			return err
		}
		if err := c.readPVP2MFrames(); err != nil {
			return err
		}
	}

	if err := c.readChunks(); err != nil {
		return err
	}

	if c.cfg.Guest == GuestPV {
		if err := c.readPVTail(); err != nil {
			return err
		}
	} else {
		if err := c.readHVMTail(); err != nil {
			return err
		}
	}

	if c.env != nil && len(c.emuXenstore) > 0 {
		if err := c.env.WriteEmulatorXenstoreData(c.emuXenstore); err != nil {
			return err
		}
	}

	if !c.cfg.SkipQemu {
		if err := c.readQemuTail(); err != nil {
			return err
		}
	}

	if c.env != nil {
		if err := c.env.WriteEnd(); err != nil {
			return err
		}
	}

	c.log.Info("conversion complete")
	return nil
}

// readBlob reads an n-byte blob whose length came from the input, enforcing
// the allocation bound.
func (c *converter) readBlob(what string, n uint32) ([]byte, error) {
	if n > maxBlobLen {
		return nil, fmt.Errorf("convert: %s length 0x%x exceeds limit 0x%x", what, n, uint32(maxBlobLen))
	}
	blob, err := c.in.ReadExact(int(n))
	if err != nil {
		return nil, fmt.Errorf("convert: %s: %w", what, err)
	}
	return blob, nil
}
