package bitcursor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBits_MSBFirst(t *testing.T) {
	t.Parallel()

	c := New([]uint32{0xDEADBEEF, 0x12345678})

	v, err := c.ReadBits(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xD), v)

	v, err = c.ReadBits(8)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xEA), v)

	v, err = c.ReadBits(20)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDBEEF), v)

	v, err = c.ReadBits(32)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), v)
}

func TestReadBits_AcrossWordBoundary(t *testing.T) {
	t.Parallel()

	c := New([]uint32{0x0000_00FF, 0xFF00_0000})
	_, err := c.ReadBits(24)
	require.NoError(t, err)

	v, err := c.ReadBits(16)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFFFF), v)
}

func TestReadBits_UnderflowLeavesCursorUntouched(t *testing.T) {
	t.Parallel()

	c := New([]uint32{0xCAFEBABE})
	_, err := c.ReadBits(20)
	require.NoError(t, err)

	_, err = c.ReadBits(20)
	require.ErrorIs(t, err, ErrUnderflow)
	assert.Equal(t, 20, c.ConsumedBits())

	// The failed read must not have consumed the remaining 12 bits.
	v, err := c.ReadBits(12)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xABE), v)
}

func TestReadBits64_AtomicAcrossSlices(t *testing.T) {
	t.Parallel()

	c := New([]uint32{0x31415926, 0x53590000})
	v, err := c.ReadBits64(48)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x314159265359), v)
	assert.Equal(t, 48, c.ConsumedBits())

	// 16 bits remain; a 17-bit read must fail without consuming any of the
	// 16 bits it could partly have satisfied.
	_, err = c.ReadBits64(17)
	require.ErrorIs(t, err, ErrUnderflow)
	assert.Equal(t, 48, c.ConsumedBits())
}

func TestPeekBits64_DoesNotAdvance(t *testing.T) {
	t.Parallel()

	c := New([]uint32{0x17724538, 0x50900000})
	v, err := c.PeekBits64(48)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x177245385090), v)
	assert.Equal(t, 0, c.ConsumedBits())

	v2, err := c.ReadBits64(48)
	require.NoError(t, err)
	assert.Equal(t, v, v2)
}

func TestDiscard(t *testing.T) {
	t.Parallel()

	c := New([]uint32{0xFFFFFFFF, 0x80000000})
	require.NoError(t, c.Discard(33))
	assert.Equal(t, 33, c.ConsumedBits())

	v, err := c.ReadBit()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v)

	err = c.Discard(64)
	require.ErrorIs(t, err, ErrUnderflow)
	assert.Equal(t, 34, c.ConsumedBits())
}

func TestReadBits_Zero(t *testing.T) {
	t.Parallel()

	c := New(nil)
	v, err := c.ReadBits(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v)

	_, err = c.ReadBit()
	require.ErrorIs(t, err, ErrUnderflow)
}
