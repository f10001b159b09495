package codec

import (
	"github.com/vertti/pbzip2/internal/bitcursor"
)

// huffmanTree is a canonical Huffman decode table built from per-symbol
// code lengths, decoded bit-by-bit the way bzip2's entropy stage requires
// (no byte-aligned shortcuts: codes cross byte boundaries freely).
type huffmanTree struct {
	limit  [21]int32 // limit[l] = largest l-bit code value assigned at length l
	base   [21]int32 // base[l] offsets an l-bit code value into perm
	perm   []int32   // symbols sorted by (length, original index)
	minLen int
	maxLen int
}

func newHuffmanTree(lengths []int32) *huffmanTree {
	t := &huffmanTree{}
	t.minLen, t.maxLen = 32, 0
	for _, l := range lengths {
		if int(l) < t.minLen {
			t.minLen = int(l)
		}
		if int(l) > t.maxLen {
			t.maxLen = int(l)
		}
	}

	t.perm = make([]int32, len(lengths))
	pp := 0
	for l := t.minLen; l <= t.maxLen; l++ {
		for sym, sl := range lengths {
			if int(sl) == l {
				t.perm[pp] = int32(sym)
				pp++
			}
		}
	}

	var count [21]int32
	for _, l := range lengths {
		count[l]++
	}

	code := int32(0)
	for l := t.minLen; l <= t.maxLen; l++ {
		t.base[l] = code - sumBefore(count[:], l, t.minLen)
		code += count[l]
		t.limit[l] = code - 1
		code <<= 1
	}
	for l := t.maxLen + 1; l <= 20; l++ {
		t.limit[l] = 1<<31 - 1
	}
	return t
}

func sumBefore(count []int32, upTo, minLen int) int32 {
	var s int32
	for l := minLen; l < upTo; l++ {
		s += count[l]
	}
	return s
}

// decode reads one Huffman code from c and returns its symbol index into
// the tree's original length array (which callers map back to RUNA/RUNB/MTF
// positions/EOB).
func (t *huffmanTree) decode(c *bitcursor.Cursor) (int32, error) {
	l := t.minLen
	code, err := c.ReadBits(uint(l))
	if err != nil {
		return 0, err
	}
	codeVal := int32(code) //nolint:gosec // bounded by bit width <=20
	for {
		if l > t.maxLen {
			return 0, errBadHuffmanCode
		}
		if codeVal <= t.limit[l] {
			return t.perm[codeVal-t.base[l]], nil
		}
		bit, err := c.ReadBit()
		if err != nil {
			return 0, err
		}
		codeVal = codeVal<<1 | int32(bit) //nolint:gosec
		l++
	}
}
