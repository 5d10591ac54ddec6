package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"go-qcow2-reader/pkg/gqcow2"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const usage = `usage: go-qcow2-reader [global flags] <command> [flags] <image>

commands:
  info      print the image header summary
  map       print the guest disk layout as qemu-img map JSON
  convert   write the guest disk to a raw file
  cat       write guest disk bytes to stdout
`

var errUsage = errors.New("invalid usage")

// Options are the flags shared by every command.
type Options struct {
	LogLevel         string
	LogJSON          bool
	L2TableCacheSize int
}

// AddFlags adds the options flags to the given flag set.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&o.LogLevel, "log-level", "info", "Log level, one of trace, debug, info, warn or error.")
	f.BoolVar(&o.LogJSON, "log-json", false, "Log JSON lines instead of console output.")
	f.IntVar(&o.L2TableCacheSize, "l2-cache", gqcow2.DefaultL2TableCacheSize, "Number of decoded L2 tables kept for mapping.")
}

func (o *Options) logger(w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(o.LogLevel)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("%w: %w", errUsage, err)
	}

	if !o.LogJSON {
		w = zerolog.ConsoleWriter{Out: w}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	options := &Options{}

	global := pflag.NewFlagSet("go-qcow2-reader", pflag.ContinueOnError)
	global.SetOutput(stderr)
	global.SetInterspersed(false)
	options.AddFlags(global)

	if err := global.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	if global.NArg() == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}

	log, err := options.logger(stderr)
	if err != nil {
		return err
	}

	command, rest := global.Arg(0), global.Args()[1:]

	switch command {
	case "info":
		return runInfo(rest, options, log, stdout, stderr)
	case "map":
		return runMap(rest, options, log, stdout, stderr)
	case "convert":
		return runConvert(rest, options, log, stderr)
	case "cat":
		return runCat(rest, options, log, stdout, stderr)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}

// parseCommand parses the command flags and returns the single image path.
func parseCommand(command string, f *pflag.FlagSet, args []string) (string, error) {
	if err := f.Parse(args); err != nil {
		return "", fmt.Errorf("%w: %w", errUsage, err)
	}
	if f.NArg() != 1 {
		return "", fmt.Errorf("%w: %s expects exactly one image", errUsage, command)
	}
	return f.Arg(0), nil
}

func openImage(path string, options *Options, log zerolog.Logger) (*gqcow2.Image, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	image, err := gqcow2.NewFileImage(f, path,
		gqcow2.WithLogger(log),
		gqcow2.WithL2TableCacheSize(options.L2TableCacheSize),
	)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}

	return image, f, nil
}

func runInfo(args []string, options *Options, log zerolog.Logger, stdout, stderr io.Writer) error {
	flags := pflag.NewFlagSet("info", pflag.ContinueOnError)
	flags.SetOutput(stderr)

	path, err := parseCommand("info", flags, args)
	if err != nil {
		return err
	}

	image, f, err := openImage(path, options, log)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintln(stdout, image)
	return err
}

func runMap(args []string, options *Options, log zerolog.Logger, stdout, stderr io.Writer) error {
	flags := pflag.NewFlagSet("map", pflag.ContinueOnError)
	flags.SetOutput(stderr)

	path, err := parseCommand("map", flags, args)
	if err != nil {
		return err
	}

	image, f, err := openImage(path, options, log)
	if err != nil {
		return err
	}
	defer f.Close()

	regions, err := image.Map()
	if err != nil {
		return err
	}

	output, err := json.Marshal(regions)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(stdout, "%s\n", output)
	return err
}

func runConvert(args []string, options *Options, log zerolog.Logger, stderr io.Writer) error {
	var output string

	flags := pflag.NewFlagSet("convert", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVarP(&output, "output", "o", "", "Path of the raw disk to write.")

	path, err := parseCommand("convert", flags, args)
	if err != nil {
		return err
	}
	if output == "" {
		return fmt.Errorf("%w: convert needs --output", errUsage)
	}

	image, f, err := openImage(path, options, log)
	if err != nil {
		return err
	}
	defer f.Close()

	rawFile, err := os.OpenFile(output, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	vd, err := gqcow2.NewVirtualDisk(rawFile)
	if err != nil {
		rawFile.Close()
		return err
	}

	if err := gqcow2.Convert(image, vd); err != nil {
		rawFile.Close()
		return err
	}

	log.Info().Str("output", output).Uint64("size", image.Size()).Msg("converted image")

	return rawFile.Close()
}

func runCat(args []string, options *Options, log zerolog.Logger, stdout, stderr io.Writer) error {
	var offset, length uint64

	flags := pflag.NewFlagSet("cat", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Uint64Var(&offset, "offset", 0, "Guest offset to start at.")
	flags.Uint64Var(&length, "length", 0, "Number of bytes to write, 0 reads to the end of the disk.")

	path, err := parseCommand("cat", flags, args)
	if err != nil {
		return err
	}

	image, f, err := openImage(path, options, log)
	if err != nil {
		return err
	}
	defer f.Close()

	if offset > image.Size() {
		return fmt.Errorf("%w: offset %d past disk size %d", gqcow2.ErrOutOfRange, offset, image.Size())
	}

	reader, err := image.Reader()
	if err != nil {
		return err
	}
	if _, err := reader.SeekGuest(offset); err != nil {
		return err
	}

	if length == 0 {
		_, err = io.Copy(stdout, reader)
		return err
	}

	n, err := io.CopyN(stdout, reader, int64(min(length, image.Size()-offset)))
	if err != nil {
		return err
	}
	if uint64(n) < length {
		log.Warn().Int64("written", n).Uint64("requested", length).Msg("length runs past the end of the disk")
	}

	return nil
}
