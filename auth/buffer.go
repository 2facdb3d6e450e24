package auth

import (
	"fmt"
	"sync"
)

// BufferType identifies the role of a Buffer (SECBUFFER_* values).
type BufferType uint32

const (
	BufferToken           BufferType = 2
	BufferChannelBindings BufferType = 14
)

func (t BufferType) String() string {
	switch t {
	case BufferToken:
		return "token"
	case BufferChannelBindings:
		return "channel-bindings"
	default:
		return fmt.Sprintf("buffer(%d)", uint32(t))
	}
}

// DefaultMaxTokenSize is the output buffer capacity used when none is configured.
const DefaultMaxTokenSize = 8192

// Buffer is a bounded byte container exchanged with a Provider. Its capacity
// is fixed when it is created; writing past it fails with ErrTokenTooLarge.
type Buffer struct {
	typ  BufferType
	data []byte
}

// NewInputBuffer wraps data as a read-only input buffer. The slice is not copied.
func NewInputBuffer(t BufferType, data []byte) *Buffer {
	return &Buffer{typ: t, data: data[:len(data):len(data)]}
}

// NewBuffer returns an empty buffer with the given capacity.
func NewBuffer(t BufferType, capacity int) *Buffer {
	return &Buffer{typ: t, data: make([]byte, 0, capacity)}
}

// Type returns the buffer type.
func (b *Buffer) Type() BufferType { return b.typ }

// Bytes returns the valid contents. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the number of valid bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Set replaces the contents with p.
func (b *Buffer) Set(p []byte) error {
	if len(p) > cap(b.data) {
		return fmt.Errorf("%w: %d bytes exceeds buffer capacity %d", ErrTokenTooLarge, len(p), cap(b.data))
	}
	b.data = append(b.data[:0], p...)
	return nil
}

// Write appends p. It implements io.Writer and never writes partially.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(b.data)+len(p) > cap(b.data) {
		return 0, fmt.Errorf("%w: %d bytes exceeds buffer capacity %d", ErrTokenTooLarge, len(b.data)+len(p), cap(b.data))
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// Raw returns the full-capacity backing array for providers that write into
// native memory. Call SetLen afterwards with the number of bytes written.
func (b *Buffer) Raw() []byte { return b.data[:cap(b.data)] }

// SetLen marks the first n bytes of Raw as valid.
func (b *Buffer) SetLen(n int) error {
	if n < 0 || n > cap(b.data) {
		return fmt.Errorf("%w: provider reported %d bytes for buffer capacity %d", ErrTokenTooLarge, n, cap(b.data))
	}
	b.data = b.data[:n]
	return nil
}

// Reset empties the buffer, keeping its capacity.
func (b *Buffer) Reset() { b.data = b.data[:0] }

// outputPool recycles round output buffers. Buffers are zeroed before reuse
// since they carry authentication material.
var outputPool = sync.Pool{
	New: func() any { return new(Buffer) },
}

func getOutputBuffer(capacity int) *Buffer {
	b := outputPool.Get().(*Buffer)
	if cap(b.data) != capacity {
		b.data = make([]byte, 0, capacity)
	}
	b.typ = BufferToken
	b.data = b.data[:0]
	return b
}

func putOutputBuffer(b *Buffer) {
	clear(b.data[:cap(b.data)])
	b.data = b.data[:0]
	outputPool.Put(b)
}
