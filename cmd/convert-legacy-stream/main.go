// Command convert-legacy-stream rewrites a legacy xc save/restore stream as
// a v2 migration stream.
//
// Exit status 1 reports a malformed or truncated input stream; exit status 2
// reports an input that uses a legacy feature this tool does not support
// (compressed page data, tmem). Either way the output is incomplete and must
// be discarded.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/xenstream/internal/binio"
	"github.com/tinyrange/xenstream/internal/convert"
	"github.com/tinyrange/xenstream/internal/legacy"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// options mirrors the command-line flags. A YAML config file can supply the
// same settings, with flags taking precedence.
type options struct {
	In       string `yaml:"in"`
	Out      string `yaml:"out"`
	Width    int    `yaml:"width"`
	Guest    string `yaml:"guest"`
	Format   string `yaml:"format"`
	XLHeader bool   `yaml:"xl_header"`
	SkipQemu bool   `yaml:"skip_qemu"`
	Verbose  bool   `yaml:"verbose"`
}

func loadConfigFile(path string, opts *options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func main() {
	err := run()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if errors.Is(err, convert.ErrUnsupportedFeature) {
		os.Exit(2)
	}
	os.Exit(1)
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "Read defaults from a YAML config file")
	in := fs.String("in", "-", "Legacy stream to read ('-' for stdin)")
	out := fs.String("out", "-", "v2 stream to write ('-' for stdout)")
	width := fs.Int("width", 0, "Word width of the legacy toolstack (32 or 64)")
	guest := fs.String("guest", "", "Guest type (pv or hvm)")
	format := fs.String("format", "libxl", "Output format (libxc or libxl)")
	xlHeader := fs.Bool("xl-header", false, "Consume an xl save-file header before converting")
	skipQemu := fs.Bool("skip-qemu", false, "Do not process a trailing device model section")
	verbose := fs.Bool("v", false, "Enable debug logging of every chunk")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Convert a legacy xc migration stream to the v2 format.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	opts := options{In: "-", Out: "-", Format: "libxl"}
	if *configPath != "" {
		if err := loadConfigFile(*configPath, &opts); err != nil {
			return err
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "in":
			opts.In = *in
		case "out":
			opts.Out = *out
		case "width":
			opts.Width = *width
		case "guest":
			opts.Guest = *guest
		case "format":
			opts.Format = *format
		case "xl-header":
			opts.XLHeader = *xlHeader
		case "skip-qemu":
			opts.SkipQemu = *skipQemu
		case "v":
			opts.Verbose = *verbose
		}
	})

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var reader io.Reader = os.Stdin
	if opts.In != "-" {
		f, err := os.Open(opts.In)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		reader = f
	}

	var writer io.Writer = os.Stdout
	if opts.Out != "-" {
		f, err := os.Create(opts.Out)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		writer = f
	}

	cfg := convert.Config{
		In:       reader,
		Out:      writer,
		Guest:    convert.GuestType(opts.Guest),
		Format:   convert.Format(opts.Format),
		SkipQemu: opts.SkipQemu,
		XLHeader: opts.XLHeader,
		Logger:   logger,
	}
	switch opts.Width {
	case 32:
		cfg.Width = binio.Width32
	case 64:
		cfg.Width = binio.Width64
	default:
		return fmt.Errorf("width must be 32 or 64, got %d", opts.Width)
	}

	// Page batches dominate conversion time; show progress when a human is
	// watching and debug logging is not already filling the terminal.
	if !opts.Verbose && term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(-1, "converting guest memory")
		cfg.Progress = func(pages int) {
			bar.Add(pages * legacy.PageSize)
		}
		defer bar.Close()
	}

	return convert.Run(cfg)
}
