package codec

import (
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// singleBlockBz2 is a complete one-block bzip2 stream of the text below,
// produced by the reference bzip2 at -9. The block magic sits at bit 32, so
// the compressed body begins at bit 80: word index 2, bit offset 16.
const singleBlockBz2 = "425a6839314159265359380ed507000006d9800010400410003265d0102000229faa641810a600038cbb89a3d5d4974b58424d58302dfc5dc914e14240e03b541c"

const singleBlockText = "hello, parallel bzip2 pipeline\n"

func singleBlockWords(t *testing.T) []uint32 {
	t.Helper()
	raw, err := hex.DecodeString(singleBlockBz2)
	require.NoError(t, err)
	for len(raw)%4 != 0 {
		raw = append(raw, 0)
	}
	words := make([]uint32, len(raw)/4)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(raw[i*4:])
	}
	return words
}

func TestDecoder_RetrieveWorkEmit(t *testing.T) {
	t.Parallel()

	words := singleBlockWords(t)

	dec := NewDecoder()
	dec.BeginBlock(16)
	status, err := dec.Retrieve(words[2:])
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)
	assert.Equal(t, 374, dec.BodyBitsConsumed())
	assert.Equal(t, len(singleBlockText), dec.BlockLen())

	require.NoError(t, dec.Work())

	out := make([]byte, 1<<20)
	n, status, err := dec.Emit(out)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, singleBlockText, string(out[:n]))
	assert.Equal(t, uint32(0x380ED507), dec.BlockCRC())
}

func TestDecoder_EmitInTinyPieces(t *testing.T) {
	t.Parallel()

	words := singleBlockWords(t)

	dec := NewDecoder()
	dec.BeginBlock(16)
	status, err := dec.Retrieve(words[2:])
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)
	require.NoError(t, dec.Work())

	var got []byte
	for {
		buf := make([]byte, 5)
		n, status, err := dec.Emit(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
		if status == StatusOK {
			break
		}
		require.Equal(t, StatusUnderflow, status)
	}
	assert.Equal(t, singleBlockText, string(got))
}

func TestDecoder_UnderflowThenResume(t *testing.T) {
	t.Parallel()

	words := singleBlockWords(t)
	body := words[2:]

	dec := NewDecoder()
	dec.BeginBlock(16)

	// Feed the body in two pieces (4 words, then the rest): the first must report underflow without
	// corrupting state, the second completes the block.
	status, err := dec.Retrieve(body[:4])
	require.NoError(t, err)
	require.Equal(t, StatusUnderflow, status)

	status, err = dec.Retrieve(body[4:])
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)

	require.NoError(t, dec.Work())
	out := make([]byte, 1<<20)
	n, status, err := dec.Emit(out)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, singleBlockText, string(out[:n]))
}

func TestDecoder_ResetReuses(t *testing.T) {
	t.Parallel()

	words := singleBlockWords(t)

	dec := NewDecoder()
	for range 3 {
		dec.Reset()
		dec.BeginBlock(16)
		status, err := dec.Retrieve(words[2:])
		require.NoError(t, err)
		require.Equal(t, StatusDone, status)
		require.NoError(t, dec.Work())
		out := make([]byte, 1<<20)
		n, status, err := dec.Emit(out)
		require.NoError(t, err)
		require.Equal(t, StatusOK, status)
		require.Equal(t, singleBlockText, string(out[:n]))
	}
}

func TestDecoder_CorruptBodyFails(t *testing.T) {
	t.Parallel()

	words := singleBlockWords(t)
	body := append([]uint32(nil), words[2:]...)
	// Damage the Huffman payload region while leaving the header parseable.
	body[6] ^= 0x00FFFF00

	dec := NewDecoder()
	dec.BeginBlock(16)
	status, err := dec.Retrieve(body)
	if err == nil && status == StatusDone {
		// The damage may surface only at emit time, as a block CRC mismatch.
		require.NoError(t, dec.Work())
		out := make([]byte, 1<<20)
		for {
			_, status, err = dec.Emit(out)
			if err != nil || status == StatusOK {
				break
			}
		}
		require.Error(t, err)
	} else {
		require.Error(t, err)
	}
	var serr StructuralError
	assert.ErrorAs(t, err, &serr)
}

func TestDecoder_WorkBeforeRetrieveFails(t *testing.T) {
	t.Parallel()

	dec := NewDecoder()
	require.Error(t, dec.Work())
}
