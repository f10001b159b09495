// Package scanner locates bzip2 block boundaries inside raw input words
// and classifies what follows a decoded block: another block, or the end
// of a stream.
package scanner

import "github.com/vertti/pbzip2/internal/bitcursor"

const (
	// StreamMagic16 is the first 16 bits of every bzip2 stream header ('B' 'Z').
	StreamMagic16 = 0x425A
	// BlockMagic is bzip2's 48-bit per-block magic (pi digits, conventionally).
	BlockMagic = 0x314159265359
	// EOSMagic marks the end of a stream's block sequence (sqrt(pi) digits).
	EOSMagic = 0x177245385090
)

// FindBlockMagic searches words for the first 48-bit block magic whose
// first bit lies in [fromBit, maxStartBit), at any bit alignment: magics
// are byte-aligned only at a stream's first block, every later block may
// begin at any of the eight offsets. maxStartBit lets a caller scanning a
// two-chunk window reject magics that belong to the successor chunk's own
// scan.
func FindBlockMagic(words []uint32, fromBit, maxStartBit int) (bitOffset int, ok bool) {
	last := len(words)*32 - 48
	if maxStartBit-1 < last {
		last = maxStartBit - 1
	}
	if fromBit > last {
		return 0, false
	}

	bit := func(p int) uint64 {
		return uint64((words[p>>5] >> (31 - uint(p&31))) & 1) //nolint:gosec // p&31 < 32
	}

	const mask = 1<<48 - 1
	var w uint64
	for p := fromBit; p < fromBit+47; p++ {
		w = w<<1 | bit(p)
	}
	for p := fromBit + 47; p-47 <= last; p++ {
		w = (w<<1 | bit(p)) & mask
		if w == BlockMagic {
			return p - 47, true
		}
	}
	return 0, false
}

// BoundaryKind classifies what immediately follows a decoded block's
// Huffman stream.
type BoundaryKind int

const (
	// BoundaryBlock means another block's 48-bit magic follows directly.
	BoundaryBlock BoundaryKind = iota
	// BoundaryStreamEnd means the end-of-stream magic and its stored
	// 32-bit stream CRC follow.
	BoundaryStreamEnd
)

// ClassifyBoundary reads the 48-bit magic at the cursor's position and, for
// a stream end, the trailing stored stream CRC. On bitcursor.ErrUnderflow
// the caller should rebuild a cursor over an extended word window (the
// successor s-chunk) and call again.
func ClassifyBoundary(c *bitcursor.Cursor) (kind BoundaryKind, streamCRC uint32, err error) {
	magic, err := c.PeekBits64(48)
	if err != nil {
		return 0, 0, err
	}
	switch magic {
	case BlockMagic:
		if _, err := c.ReadBits64(48); err != nil {
			return 0, 0, err
		}
		return BoundaryBlock, 0, nil
	case EOSMagic:
		if _, err := c.ReadBits64(48); err != nil {
			return 0, 0, err
		}
		crc, err := c.ReadBits(32)
		if err != nil {
			return 0, 0, err
		}
		return BoundaryStreamEnd, crc, nil
	default:
		return 0, 0, errUnexpectedMagic
	}
}

var errUnexpectedMagic = structuralError("missing bzip2 block magic after decoded block")

type structuralError string

func (e structuralError) Error() string { return string(e) }

// ReadStreamHeader reads a 32-bit stream header (stream magic + format
// version + block-size digit) and returns bs100k (1..9). Used at the very
// start of the input and for a concatenated stream immediately following
// another's end-of-stream marker.
func ReadStreamHeader(c *bitcursor.Cursor) (bs100k int, err error) {
	magic, err := c.ReadBits(16)
	if err != nil {
		return 0, err
	}
	if magic != StreamMagic16 {
		return 0, structuralError("not a valid bzip2 file: missing stream magic")
	}
	rest, err := c.ReadBits(16)
	if err != nil {
		return 0, err
	}
	if rest < 0x6831 || rest > 0x6839 {
		return 0, structuralError("not a valid bzip2 file: unsupported block-size digit")
	}
	return int(rest - 0x6830), nil
}
