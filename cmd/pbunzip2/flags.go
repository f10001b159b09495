package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
)

func newFlagSet(cfg *config, showVersion, showHelp *bool) *flag.FlagSet {
	fs := flag.NewFlagSet("pbunzip2", flag.ContinueOnError)

	fs.StringVar(&cfg.outputFile, "o", "", "output file (default: input name without .bz2, else stdout)")
	fs.BoolVar(&cfg.toStdout, "c", false, "write to stdout, keep input file")
	fs.BoolVar(&cfg.keep, "k", false, "keep (don't remove) input file")
	fs.BoolVar(&cfg.verbose, "v", false, "show progress and condvar wait counters")
	fs.IntVar(&cfg.workers, "p", runtime.NumCPU(), "decompression workers")
	fs.IntVar(&cfg.slots, "n", 0, "s-chunk slots in flight (default: 2*workers+2)")
	fs.BoolVar(showVersion, "version", false, "show version and exit")
	fs.BoolVar(showHelp, "h", false, "show help")

	fs.Usage = func() { usage(fs) }
	return fs
}

func usage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `pbunzip2 - parallel bzip2 decompressor

Usage:
  pbunzip2 [options] [input.bz2] [output]
  cat input.bz2 | pbunzip2 -c > output

Options:
`)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  pbunzip2 archive.tar.bz2                   Decompress to archive.tar, remove input
  pbunzip2 -k -o out.tar archive.tar.bz2     Decompress, keep input
  cat archive.tar.bz2 | pbunzip2 -c > out.tar
`)
}
