package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_Bounds(t *testing.T) {
	b := NewBuffer(BufferToken, 4)
	assert.Equal(t, 4, b.Cap())
	assert.Equal(t, 0, b.Len())

	require.NoError(t, b.Set([]byte{1, 2, 3}))
	assert.Equal(t, []byte{1, 2, 3}, b.Bytes())

	n, err := b.Write([]byte{4, 5})
	assert.ErrorIs(t, err, ErrTokenTooLarge)
	assert.Equal(t, 0, n)
	assert.Equal(t, []byte{1, 2, 3}, b.Bytes(), "failed write must not be partial")

	_, err = b.Write([]byte{4})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, b.Bytes())

	assert.ErrorIs(t, b.Set(make([]byte, 5)), ErrTokenTooLarge)

	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 4, b.Cap())
}

func TestBuffer_RawSetLen(t *testing.T) {
	b := NewBuffer(BufferToken, 8)
	raw := b.Raw()
	require.Len(t, raw, 8)
	copy(raw, "abc")

	require.NoError(t, b.SetLen(3))
	assert.Equal(t, []byte("abc"), b.Bytes())

	assert.ErrorIs(t, b.SetLen(9), ErrTokenTooLarge)
	assert.ErrorIs(t, b.SetLen(-1), ErrTokenTooLarge)
}

func TestInputBuffer(t *testing.T) {
	data := []byte{9, 8, 7}
	b := NewInputBuffer(BufferChannelBindings, data)
	assert.Equal(t, BufferChannelBindings, b.Type())
	assert.Equal(t, data, b.Bytes())
	assert.Equal(t, 3, b.Cap())
	assert.ErrorIs(t, b.Set([]byte{1, 2, 3, 4}), ErrTokenTooLarge)

	empty := NewInputBuffer(BufferToken, nil)
	assert.Equal(t, 0, empty.Len())
}

func TestOutputPool_ZeroesOnRelease(t *testing.T) {
	b := getOutputBuffer(16)
	require.NoError(t, b.Set([]byte("secret-material")))
	raw := b.Raw()
	putOutputBuffer(b)

	for i, c := range raw {
		assert.Zerof(t, c, "byte %d not cleared", i)
	}

	b2 := getOutputBuffer(32)
	assert.Equal(t, 32, b2.Cap())
	assert.Equal(t, 0, b2.Len())
	assert.Equal(t, BufferToken, b2.Type())
	putOutputBuffer(b2)
}
