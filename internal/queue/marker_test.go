package queue

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageMarker(t *testing.T) {
	seq, ok := DecodeMessageMarker(EncodeMessageMarker(42))
	assert.True(t, ok)
	assert.Equal(t, int64(42), seq)

	for _, bad := range []string{"%%%", "xyz", EncodeQueueMarker("abc"), EncodeMessageMarker(-1)} {
		_, ok := DecodeMessageMarker(bad)
		assert.False(t, ok, bad)
	}
}

func TestQueueMarker(t *testing.T) {
	name, ok := DecodeQueueMarker(EncodeQueueMarker("fizbit-01"))
	assert.True(t, ok)
	assert.Equal(t, "fizbit-01", name)

	_, ok = DecodeQueueMarker(EncodeQueueMarker("not a name"))
	assert.False(t, ok)
	_, ok = DecodeQueueMarker("%%%")
	assert.False(t, ok)
}

func TestParseMessageID(t *testing.T) {
	seq, ok := ParseMessageID(FormatMessageID(7))
	assert.True(t, ok)
	assert.Equal(t, int64(7), seq)

	for _, bad := range []string{"", "0", "-3", "abc", "1.5", "99999999999999999999"} {
		_, ok := ParseMessageID(bad)
		assert.False(t, ok, bad)
	}
}

func TestValidQueueName(t *testing.T) {
	assert.True(t, ValidQueueName("fizbit"))
	assert.True(t, ValidQueueName("a_B-9"))
	assert.True(t, ValidQueueName(strings.Repeat("x", MaxQueueNameLength)))

	assert.False(t, ValidQueueName(""))
	assert.False(t, ValidQueueName(strings.Repeat("x", MaxQueueNameLength+1)))
	assert.False(t, ValidQueueName("has space"))
	assert.False(t, ValidQueueName("dots.not.allowed"))
	assert.False(t, ValidQueueName("ünicode"))
}
