// pbunzip2 decompresses a bzip2 file using a pool of concurrent workers.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/vertti/pbzip2/internal/pipeline"
)

var version = "dev"

const (
	exitSuccess = 0
	exitError   = 1
)

type config struct {
	inputFile  string
	outputFile string
	toStdout   bool
	keep       bool
	verbose    bool
	workers    int
	slots      int
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, exitCode, done := parseFlags()
	if done {
		return exitCode
	}

	input, cleanup, err := openInput(cfg.inputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}
	defer cleanup()

	output, cleanup, err := openOutput(cfg.outputFile, cfg.toStdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}
	defer cleanup()

	if err := execute(cfg, input, output); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}

	if cfg.inputFile != "" && !cfg.keep && !cfg.toStdout {
		if rmErr := os.Remove(cfg.inputFile); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: could not remove %s: %v\n", cfg.inputFile, rmErr)
		}
	}

	return exitSuccess
}

func parseFlags() (config, int, bool) {
	var cfg config
	var showVersion, showHelp bool

	flagSet := newFlagSet(&cfg, &showVersion, &showHelp)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return cfg, exitError, true
	}

	if showHelp {
		flagSet.Usage()
		return cfg, exitSuccess, true
	}
	if showVersion {
		fmt.Printf("pbunzip2 version %s\n", version)
		return cfg, exitSuccess, true
	}

	args := flagSet.Args()
	if len(args) > 0 && cfg.inputFile == "" {
		cfg.inputFile = args[0]
	}
	if len(args) > 1 && cfg.outputFile == "" {
		cfg.outputFile = args[1]
	}
	if cfg.outputFile == "" && !cfg.toStdout && strings.HasSuffix(strings.ToLower(cfg.inputFile), ".bz2") {
		cfg.outputFile = cfg.inputFile[:len(cfg.inputFile)-len(".bz2")]
	}

	return cfg, exitSuccess, false
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}

	f, err := os.Open(path) //nolint:gosec // CLI tool needs to open user-specified files
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open input: %w", err)
	}

	br := bufio.NewReaderSize(f, 1<<20)
	if ok, serr := hasBzip2Magic(br); serr != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("cannot inspect input: %w", serr)
	} else if !ok && !strings.HasSuffix(strings.ToLower(path), ".bz2") {
		_ = f.Close()
		return nil, nil, errors.New("input does not look like a bzip2 file")
	}

	return br, func() { _ = f.Close() }, nil
}

func hasBzip2Magic(br *bufio.Reader) (bool, error) {
	header, err := br.Peek(3)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	return len(header) == 3 && header[0] == 'B' && header[1] == 'Z' && header[2] == 'h', nil
}

func openOutput(path string, toStdout bool) (io.Writer, func(), error) {
	if path == "" || path == "-" || toStdout {
		bw := bufio.NewWriterSize(os.Stdout, 1<<20)
		return bw, func() { _ = bw.Flush() }, nil
	}

	f, err := os.Create(path) //nolint:gosec // CLI tool needs to create user-specified files
	if err != nil {
		return nil, nil, fmt.Errorf("cannot create output: %w", err)
	}
	bw := bufio.NewWriterSize(f, 1<<20)
	return bw, func() { _ = bw.Flush(); _ = f.Close() }, nil
}

func execute(cfg config, input io.Reader, output io.Writer) error {
	opts := pipeline.Options{
		Workers:         cfg.workers,
		InputChunkWords: pipeline.DefaultInputChunkWords,
		Slots:           cfg.slots,
	}

	var listener pipeline.Listener
	if cfg.verbose {
		listener = &progressListener{out: os.Stderr}
	}

	stats, err := pipeline.Decompress(context.Background(), input, output, opts, listener)
	if err != nil {
		return err
	}
	if cfg.verbose {
		fmt.Fprintf(os.Stderr,
			"pbunzip2: done (slot waits=%d, work waits=%d, delivery waits=%d)\n",
			stats.SlotWaits, stats.WorkWaits, stats.DeliveryWaits)
	}
	return nil
}

// progressListener prints bytes-consumed-so-far to stderr as each block
// flushes.
type progressListener struct {
	out io.Writer
}

func (p *progressListener) OnBlockFlushed(bytesConsumed int64) {
	fmt.Fprintf(p.out, "\rpbunzip2: %d compressed bytes consumed", bytesConsumed)
}
