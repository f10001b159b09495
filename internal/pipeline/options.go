package pipeline

import "runtime"

// outputSubBlockBytes caps one decoded sub-block, so a single worker never
// buffers more than a bounded amount of RLE expansion at a time.
const outputSubBlockBytes = 1 << 20

// Options configures a Decompress run.
type Options struct {
	// Workers is the number of concurrent scan/decode goroutines. Defaults
	// to runtime.NumCPU() when zero.
	Workers int

	// InputChunkWords is the s-chunk size in 32-bit words. Defaults to
	// DefaultInputChunkWords.
	InputChunkWords int

	// Slots bounds how many s-chunks may be in flight (read but not yet
	// fully decoded) at once, the splitter's memory bound. Defaults to
	// 2*Workers+2.
	Slots int
}

// DefaultInputChunkWords is 1<<18 words (1 MiB), comfortably above the
// largest legal compressed block so a block spans at most two chunks.
const DefaultInputChunkWords = 1 << 18

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.InputChunkWords <= 0 {
		o.InputChunkWords = DefaultInputChunkWords
	}
	if o.Slots <= 0 {
		o.Slots = 2*o.Workers + 2
	}
	return o
}
