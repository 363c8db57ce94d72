package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameMediaRoundTrip(t *testing.T) {
	data := []byte{0xde, 0xad, 0xbe, 0xef}

	framed := FrameMedia(false, data)
	require.Equal(t, FrameData, framed[0])
	header, payload, ok := ParseMediaFrame(framed)
	require.True(t, ok)
	assert.False(t, header)
	assert.Equal(t, data, payload)

	framed = FrameMedia(true, data)
	require.Equal(t, FrameHeader, framed[0])
	header, payload, ok = ParseMediaFrame(framed)
	require.True(t, ok)
	assert.True(t, header)
	assert.Equal(t, data, payload)
}

func TestParseMediaFrameRejectsBadInput(t *testing.T) {
	_, _, ok := ParseMediaFrame(nil)
	assert.False(t, ok)

	_, _, ok = ParseMediaFrame([]byte{0x7f, 0x01})
	assert.False(t, ok)
}

func TestFrameMediaEmptyPayload(t *testing.T) {
	framed := FrameMedia(true, nil)
	header, payload, ok := ParseMediaFrame(framed)
	require.True(t, ok)
	assert.True(t, header)
	assert.Empty(t, payload)
}
