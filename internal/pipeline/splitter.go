package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// newWordBufPool reuses s-chunk word buffers across the run.
func newWordBufPool(capWords int) *sync.Pool {
	return &sync.Pool{
		New: func() any {
			return make([]uint32, capWords)
		},
	}
}

// splitter reads fixed-size input chunks, enforces the memory bound via
// the free-slot monitor, and publishes each chunk into the scan chain.
func splitter(r io.Reader, opts Options, slots *slotMonitor, work *workMonitor, bufPool *sync.Pool) error {
	byteBuf := make([]byte, 4*opts.InputChunkWords)
	var predecessor *sChunk
	var nextID int64 = 1
	var totalBytes int64

	for {
		if !slots.Acquire() {
			return nil
		}

		n, err := io.ReadFull(r, byteBuf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			slots.Release(1)
			work.SetEOF()
			return fmt.Errorf("reading input: %w", err)
		}

		if n == 0 {
			slots.Release(1)
			work.SetEOF()
			return nil
		}

		// Zero-pad to a word boundary. Trailing garbage past this point in
		// a short final chunk is ignored, like bunzip2 ignores bytes after
		// the last stream.
		loadedBytes := n
		for loadedBytes%4 != 0 {
			byteBuf[loadedBytes] = 0
			loadedBytes++
		}
		loadedWords := loadedBytes / 4

		words := bufPool.Get().([]uint32) //nolint:errcheck // pool always returns []uint32
		words = words[:loadedWords]
		for i := range loadedWords {
			words[i] = binary.BigEndian.Uint32(byteBuf[i*4:])
		}

		chunk := &sChunk{
			id:         nextID,
			words:      words,
			loaded:     loadedWords,
			baseOffset: totalBytes,
		}
		nextID++
		totalBytes += int64(n)

		work.PublishSChunk(chunk, predecessor)
		predecessor = chunk

		if n < len(byteBuf) {
			work.SetEOF()
			return nil
		}
	}
}
