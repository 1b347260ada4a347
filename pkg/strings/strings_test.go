package strings

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ io.ByteWriter = (*Builder)(nil)
	_ io.Writer     = (*Builder)(nil)
)

func TestBuilder(t *testing.T) {
	builder := NewBuilder(2)
	builder.WriteString("hello")
	require.NoError(t, builder.WriteByte(' '))
	_, _ = builder.Write([]byte("world"))

	assert.Equal(t, "hello world", builder.String())
	assert.Equal(t, 11, builder.Len())
	assert.GreaterOrEqual(t, builder.Cap(), 11)

	builder.Reset()
	assert.Zero(t, builder.Len())
}

func TestBuilderGrow(t *testing.T) {
	builder := NewBuilder(2)
	builder.WriteString("ab")
	builder.Grow(10)
	assert.GreaterOrEqual(t, builder.Cap(), 12)
	assert.Equal(t, "ab", builder.String())
}

func TestStringSurvivesReuse(t *testing.T) {
	builder := GetBuilder(Small)
	builder.WriteString("first")
	s := builder.String()
	PutBuilder(builder, Small)

	again := GetBuilder(Small)
	again.WriteString("XXXXX")
	assert.Equal(t, "first", s)
	PutBuilder(again, Small)
}

func TestSizeFor(t *testing.T) {
	assert.Equal(t, Small, SizeFor(10))
	assert.Equal(t, Medium, SizeFor(2048))
	assert.Equal(t, Large, SizeFor(1<<20))
}

func TestJoinPooled(t *testing.T) {
	assert.Equal(t, "", JoinPooled(nil, " "))
	assert.Equal(t, "a", JoinPooled([]string{"a"}, " "))
	assert.Equal(t, "a b c", JoinPooled([]string{"a", "b", "c"}, " "))
}

func TestRepeat(t *testing.T) {
	b := NewBuilder(8)
	b.Repeat("?", ", ", 3)
	assert.Equal(t, "?, ?, ?", b.String())

	b.Reset()
	b.Repeat("?", ", ", 0)
	assert.Equal(t, "", b.String())
}

func BenchmarkJoinPooled(b *testing.B) {
	parts := []string{"the", "quick", "brown", "fox", "jumps"}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = JoinPooled(parts, " ")
	}
}
