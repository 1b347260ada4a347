package json

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalStringSortsKeysAndKeepsHTML(t *testing.T) {
	s, err := MarshalString(map[string]interface{}{"b": 1, "a": "<x>"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<x>","b":1}`, s)
}

func TestMarshalToWriter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, MarshalToWriter(&buf, []int{1, 2}))
	assert.Equal(t, "[1,2]\n", buf.String())
}

func TestDecoderUsesNumber(t *testing.T) {
	var v map[string]interface{}
	require.NoError(t, NewDecoder(strings.NewReader(`{"n": 12345678901234567}`)).Decode(&v))
	assert.Equal(t, "12345678901234567", v["n"].(interface{ String() string }).String())
}

func TestBufferPool(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("x")
	PutBuffer(buf)
	assert.Equal(t, 0, GetBuffer().Len())
}
