package jsoncodec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	ChatID  string  `json:"chatId"`
	Content string  `json:"content"`
	Note    *string `json:"note,omitempty"`
}

func TestMarshalHonoursTags(t *testing.T) {
	data, err := Marshal(sample{ChatID: "123@c.us", Content: "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"chatId":"123@c.us","content":"hi"}`, string(data))
}

func TestEncodeWritesOneLinePerValue(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sample{ChatID: "a"}))
	require.NoError(t, Encode(&buf, sample{ChatID: "b"}))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	var second sample
	require.NoError(t, Decode(strings.NewReader(lines[1]), &second))
	assert.Equal(t, "b", second.ChatID)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid([]byte(`{"a":1}`)))
	assert.False(t, Valid([]byte(`{"a":`)))
}
