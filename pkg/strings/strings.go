// Package strings provides pooled string building for the hot paths of a
// pipeline: rendering multi-row INSERT statements and joining n-grams.
package strings

import (
	"sync"
)

// Builder is an append-only byte buffer. String copies, so a builder can be
// returned to its pool while the result is still in use.
type Builder struct {
	buf []byte
}

// NewBuilder creates a new string builder
func NewBuilder(capacity int) *Builder {
	return &Builder{
		buf: make([]byte, 0, capacity),
	}
}

// WriteString appends a string to the builder
func (b *Builder) WriteString(s string) {
	b.buf = append(b.buf, s...)
}

// WriteByte appends a single byte. The error is always nil.
func (b *Builder) WriteByte(c byte) error {
	b.buf = append(b.buf, c)
	return nil
}

// Write implements io.Writer interface
func (b *Builder) Write(p []byte) (n int, err error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// String returns a copy of the built string.
func (b *Builder) String() string {
	return string(b.buf)
}

// Len returns the length of the built string
func (b *Builder) Len() int {
	return len(b.buf)
}

// Cap returns the capacity of the underlying buffer
func (b *Builder) Cap() int {
	return cap(b.buf)
}

// Reset resets the builder for reuse
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
}

// Grow makes room for n more bytes.
func (b *Builder) Grow(n int) {
	if cap(b.buf)-len(b.buf) < n {
		newBuf := make([]byte, len(b.buf), 2*cap(b.buf)+n)
		copy(newBuf, b.buf)
		b.buf = newBuf
	}
}

// BuilderSize represents different builder sizes
type BuilderSize int

const (
	Small  BuilderSize = iota // < 1KB
	Medium                    // 1KB - 16KB
	Large                     // 16KB+
)

var pools = [...]*sync.Pool{
	Small:  {New: func() interface{} { return NewBuilder(1024) }},
	Medium: {New: func() interface{} { return NewBuilder(16 * 1024) }},
	Large:  {New: func() interface{} { return NewBuilder(64 * 1024) }},
}

// SizeFor picks the pool for an expected length.
func SizeFor(n int) BuilderSize {
	switch {
	case n > 16*1024:
		return Large
	case n > 1024:
		return Medium
	}
	return Small
}

func pool(size BuilderSize) *sync.Pool {
	if size < Small || size > Large {
		return pools[Small]
	}
	return pools[size]
}

// GetBuilder retrieves a pooled builder of the specified size
func GetBuilder(size BuilderSize) *Builder {
	builder := pool(size).Get().(*Builder)
	builder.Reset()
	return builder
}

// PutBuilder returns a builder to the appropriate pool
func PutBuilder(builder *Builder, size BuilderSize) {
	if builder == nil {
		return
	}
	builder.Reset()
	pool(size).Put(builder)
}

// JoinPooled joins parts with delimiter using a pooled builder.
func JoinPooled(parts []string, delimiter string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}

	total := (len(parts) - 1) * len(delimiter)
	for _, s := range parts {
		total += len(s)
	}
	size := SizeFor(total)
	builder := GetBuilder(size)
	defer PutBuilder(builder, size)

	builder.Grow(total)
	builder.WriteString(parts[0])
	for _, s := range parts[1:] {
		builder.WriteString(delimiter)
		builder.WriteString(s)
	}
	return builder.String()
}

// Repeat writes s n times separated by delimiter.
func (b *Builder) Repeat(s, delimiter string, n int) {
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(delimiter)
		}
		b.WriteString(s)
	}
}
