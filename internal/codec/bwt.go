package codec

// inverseBWT undoes the Burrows-Wheeler transform using the classic
// single-array method: c holds per-byte occurrence counts (turned into
// cumulative offsets in place), tt packs the next-pointer into its upper
// 24 bits alongside the byte value in its low 8 bits.
func inverseBWT(tt []uint32, origPtr uint32, c *[256]uint32) uint32 {
	sum := uint32(0)
	for i := range 256 {
		sum += c[i]
		c[i] = sum - c[i]
	}

	for i, v := range tt {
		b := v & 0xff
		tt[c[b]] |= uint32(i) << 8
		c[b]++
	}

	return tt[origPtr] >> 8
}
