// Package codec implements the bzip2 block decoder the pipeline drives:
// Huffman/MTF/RLE2 symbol retrieval, inverse BWT, and RLE expansion with
// per-block CRC, split into resumable retrieve/work/emit steps so a block
// can be captured across chunk boundaries and decoded later by a different
// goroutine.
package codec

import (
	"errors"
	"fmt"

	"github.com/vertti/pbzip2/internal/bitcursor"
)

// Status reports a retrieve or emit step's outcome.
type Status int

const (
	StatusOK Status = iota
	StatusUnderflow
	StatusDone
)

// StructuralError marks a malformed bitstream, distinct from a plain
// wrapped error so callers can tell "bad input" from "internal/IO
// failure".
type StructuralError string

func (e StructuralError) Error() string { return "bzip2 data invalid: " + string(e) }

var errBadHuffmanCode = StructuralError("corrupt huffman coding")

// maxBlockSymbols bounds a single block's BWT-input length at the largest
// legal bzip2 block size (900k bytes, bs100k=9) plus a little slack.
// Retrieval rejects a block whose symbol count would reach it, and it is
// also the initial capacity of the symbol slice.
const maxBlockSymbols = 900_000 + 10

// Decoder implements one bzip2 block's decode lifecycle. A Decoder is
// reused across blocks via Reset; it is never shared between goroutines
// (a decoder is exclusively owned by whichever worker runs it).
type Decoder struct {
	captured         []uint32 // raw words of this block's body, accumulated across Retrieve calls
	startBitOffset   int      // bit offset of the block body's first bit within captured[0]
	bodyBitsConsumed int      // total bits consumed out of captured once Retrieve returns StatusDone

	// populated once Retrieve reaches StatusDone
	tt             []uint32
	c              [256]uint32
	origPtr        uint32
	nblock         int
	storedBlockCRC uint32

	// Emit/RLE1 traversal state, persisted across Emit calls
	tPos        uint32
	preRLEUsed  int
	lastByte    int
	byteRepeats uint
	repeats     uint
	crc         blockCRC
}

// NewDecoder returns a Decoder ready for its first block.
func NewDecoder() *Decoder {
	d := &Decoder{}
	d.Reset()
	return d
}

// Reset prepares the Decoder to retrieve a fresh block, for reuse across
// many blocks in one worker's lifetime.
func (d *Decoder) Reset() {
	d.captured = d.captured[:0]
	d.startBitOffset = 0
	d.bodyBitsConsumed = 0
	d.tt = nil
	d.c = [256]uint32{}
	d.origPtr = 0
	d.nblock = 0
	d.storedBlockCRC = 0
	d.tPos = 0
	d.preRLEUsed = 0
	d.lastByte = -1
	d.byteRepeats = 0
	d.repeats = 0
	d.crc = newBlockCRC()
}

// BeginBlock records the bit offset (0..31) of the block body's first bit
// within the first word the caller will pass to Retrieve. Called once,
// immediately after the worker locates and consumes the block's leading
// 48-bit magic.
func (d *Decoder) BeginBlock(startBitOffset int) {
	d.startBitOffset = startBitOffset
}

// Retrieve appends chunkWords (the next s-chunk's 32-bit words, starting
// immediately after the already-consumed block magic on the first call) and
// attempts to decode the complete Huffman/MTF/RLE2 symbol stream for this
// block. A block spans at most two input chunks, so at most two calls
// occur; re-parsing the accumulated buffer from scratch on every call —
// rather than persisting a fine-grained mid-parse state machine — costs at
// most one redundant pass.
func (d *Decoder) Retrieve(chunkWords []uint32) (Status, error) {
	d.captured = append(d.captured, chunkWords...)

	cur := bitcursor.New(d.captured)
	if err := cur.Discard(d.startBitOffset); err != nil {
		return StatusUnderflow, nil
	}
	if err := d.parseBlockBody(cur); err != nil {
		if errors.Is(err, bitcursor.ErrUnderflow) {
			return StatusUnderflow, nil
		}
		return 0, err
	}
	d.bodyBitsConsumed = cur.ConsumedBits()
	return StatusDone, nil
}

// BodyBitsConsumed returns the number of bits of the supplied words the
// completed block consumed, i.e. the bit position immediately following the
// block's final symbol, from which the next magic search resumes. Valid
// once Retrieve has returned StatusDone.
func (d *Decoder) BodyBitsConsumed() int { return d.bodyBitsConsumed }

// BlockLen returns the pre-RLE length of the decoded block in bytes, the
// quantity bounded by the stream's declared block size. Valid once Retrieve
// has returned StatusDone.
func (d *Decoder) BlockLen() int { return d.nblock }

// parseBlockBody reads the block header and the full MTF/RLE2 symbol
// stream up to (and including) the end-of-block symbol, filling d.tt/d.c.
func (d *Decoder) parseBlockBody(c *bitcursor.Cursor) error {
	storedBlockCRC, err := c.ReadBits(32)
	if err != nil {
		return err
	}
	randomized, err := c.ReadBit()
	if err != nil {
		return err
	}
	if randomized != 0 {
		return StructuralError("deprecated randomized blocks are not supported")
	}
	origPtrBits, err := c.ReadBits(24)
	if err != nil {
		return err
	}

	used, err := readSymbolMap(c)
	if err != nil {
		return err
	}
	if len(used) == 0 {
		return StructuralError("empty symbol map")
	}
	numSymbols := len(used) + 2
	eobSymbol := int32(numSymbols - 1)

	numGroupsBits, err := c.ReadBits(3)
	if err != nil {
		return err
	}
	numGroups := int(numGroupsBits)
	if numGroups < 2 || numGroups > 6 {
		return StructuralError("invalid number of huffman groups")
	}

	numSelectorsBits, err := c.ReadBits(15)
	if err != nil {
		return err
	}
	numSelectors := int(numSelectorsBits)

	selectors, err := readSelectors(c, numSelectors, numGroups)
	if err != nil {
		return err
	}

	trees := make([]*huffmanTree, numGroups)
	for g := range numGroups {
		lengths, err := readCodeLengths(c, numSymbols)
		if err != nil {
			return err
		}
		trees[g] = newHuffmanTree(lengths)
	}

	tt := make([]uint32, 0, maxBlockSymbols)
	var counts [256]uint32
	var mtf mtfList
	mtf.init(used)

	var repeat uint32
	var repeatPower uint
	groupPos, groupNo := 0, -1
	var tree *huffmanTree

	for {
		if groupPos == 0 {
			groupNo++
			if groupNo >= len(selectors) {
				return StructuralError("selector list exhausted before end of block")
			}
			tree = trees[selectors[groupNo]]
			groupPos = 50
		}
		groupPos--

		sym, err := tree.decode(c)
		if err != nil {
			return err
		}

		switch {
		case sym == 0: // RUNA
			repeat += 1 << repeatPower
			repeatPower++
		case sym == 1: // RUNB
			repeat += 2 << repeatPower
			repeatPower++
		default:
			if repeat > 0 {
				b := mtf.front()
				for range repeat {
					if len(tt) >= maxBlockSymbols {
						return StructuralError("block exceeds maximum size")
					}
					tt = append(tt, uint32(b))
					counts[b]++
				}
				repeat, repeatPower = 0, 0
			}
			if sym == eobSymbol {
				goto doneParsing
			}
			b := mtf.decode(int(sym - 1))
			if len(tt) >= maxBlockSymbols {
				return StructuralError("block exceeds maximum size")
			}
			tt = append(tt, uint32(b))
			counts[b]++
		}
	}

doneParsing:
	if int(origPtrBits) >= len(tt) {
		return StructuralError("origPtr out of bounds")
	}

	d.tt = tt
	d.c = counts
	d.origPtr = origPtrBits
	d.nblock = len(tt)
	d.storedBlockCRC = storedBlockCRC
	return nil
}

// Work finalizes the inverse Burrows-Wheeler transform, preparing the
// decoder for Emit. Must be called exactly once after Retrieve returns
// StatusDone.
func (d *Decoder) Work() error {
	if d.tt == nil {
		return fmt.Errorf("codec: Work called before Retrieve completed")
	}
	d.tPos = inverseBWT(d.tt, d.origPtr, &d.c)
	d.preRLEUsed = 0
	return nil
}

// Emit expands the block's RLE1 run-length encoding into out, accumulating
// the block CRC as it goes. Returns StatusUnderflow while more output
// remains (call again with a fresh buffer) or StatusOK once the block is
// fully drained, at which point BlockCRC reports the finalized value.
func (d *Decoder) Emit(out []byte) (int, Status, error) {
	n := 0
	for (d.repeats > 0 || d.preRLEUsed < len(d.tt)) && n < len(out) {
		if d.repeats > 0 {
			out[n] = byte(d.lastByte)
			n++
			d.repeats--
			if d.repeats == 0 {
				d.lastByte = -1
			}
			continue
		}

		d.tPos = d.tt[d.tPos]
		b := byte(d.tPos)
		d.tPos >>= 8
		d.preRLEUsed++

		if d.byteRepeats == 3 {
			d.repeats = uint(b)
			d.byteRepeats = 0
			continue
		}

		if d.lastByte == int(b) {
			d.byteRepeats++
		} else {
			d.byteRepeats = 0
		}
		d.lastByte = int(b)

		out[n] = b
		n++
	}

	d.crc.update(out[:n])

	if d.repeats > 0 || d.preRLEUsed < len(d.tt) {
		return n, StatusUnderflow, nil
	}
	if d.crc.value() != d.storedBlockCRC {
		return n, StatusOK, StructuralError("block CRC mismatch")
	}
	return n, StatusOK, nil
}

// BlockCRC returns the finalized per-block CRC; valid only once Emit has
// returned StatusOK.
func (d *Decoder) BlockCRC() uint32 { return d.crc.value() }

func readSymbolMap(c *bitcursor.Cursor) ([]byte, error) {
	groups, err := c.ReadBits(16)
	if err != nil {
		return nil, err
	}
	var used []byte
	for g := range 16 {
		if groups&(1<<(15-g)) == 0 {
			continue
		}
		bits, err := c.ReadBits(16)
		if err != nil {
			return nil, err
		}
		for i := range 16 {
			if bits&(1<<(15-i)) != 0 {
				used = append(used, byte(g*16+i))
			}
		}
	}
	return used, nil
}

func readSelectors(c *bitcursor.Cursor, numSelectors, numGroups int) ([]int, error) {
	selectors := make([]int, numSelectors)
	mtf := make([]int, numGroups)
	for i := range mtf {
		mtf[i] = i
	}
	for i := range numSelectors {
		j := 0
		for {
			bit, err := c.ReadBit()
			if err != nil {
				return nil, err
			}
			if bit == 0 {
				break
			}
			j++
			if j >= numGroups {
				return nil, StructuralError("invalid selector")
			}
		}
		v := mtf[j]
		copy(mtf[1:j+1], mtf[:j])
		mtf[0] = v
		selectors[i] = v
	}
	return selectors, nil
}

func readCodeLengths(c *bitcursor.Cursor, numSymbols int) ([]int32, error) {
	curr, err := c.ReadBits(5)
	if err != nil {
		return nil, err
	}
	length := int32(curr) //nolint:gosec // 5-bit value
	lengths := make([]int32, numSymbols)
	for s := range numSymbols {
		for {
			if length < 1 || length > 20 {
				return nil, StructuralError("invalid huffman code length")
			}
			bit, err := c.ReadBit()
			if err != nil {
				return nil, err
			}
			if bit == 0 {
				break
			}
			dir, err := c.ReadBit()
			if err != nil {
				return nil, err
			}
			if dir == 0 {
				length++
			} else {
				length--
			}
		}
		lengths[s] = length
	}
	return lengths, nil
}
