package framing

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("a"),
		bytes.Repeat([]byte{0x42}, 65535),
		[]byte("stun binding request"),
	}

	for _, p := range payloads {
		frame, err := Encode(p)
		require.NoError(t, err)

		d := NewDecoder()
		out, err := d.Feed(frame)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, p, out[0])
		assert.Zero(t, d.Pending())
	}
}

func TestEncodeRejectsEmptyAndOversize(t *testing.T) {
	_, err := Encode(nil)
	assert.ErrorIs(t, err, ErrZeroLength)

	_, err = Encode(make([]byte, MaxPayload+1))
	assert.Error(t, err)
}

func TestDecoderHandlesArbitrarySplitting(t *testing.T) {
	payload := bytes.Repeat([]byte("hello world "), 100)
	frame, err := Encode(payload)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	d := NewDecoder()
	var got [][]byte

	for len(frame) > 0 {
		n := 1 + rng.Intn(len(frame))
		chunk := frame[:n]
		frame = frame[n:]

		out, err := d.Feed(chunk)
		require.NoError(t, err)
		got = append(got, out...)
	}

	require.Len(t, got, 1)
	assert.Equal(t, payload, got[0])
}

func TestDecoderHandlesMultipleFramesInOneFeed(t *testing.T) {
	f1, _ := Encode([]byte("one"))
	f2, _ := Encode([]byte("two"))
	f3, _ := Encode([]byte("three"))

	d := NewDecoder()
	out, err := d.Feed(append(append(f1, f2...), f3...))
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "one", string(out[0]))
	assert.Equal(t, "two", string(out[1]))
	assert.Equal(t, "three", string(out[2]))
}

func TestDecoderRejectsZeroLength(t *testing.T) {
	d := NewDecoder()
	_, err := d.Feed([]byte{0x00, 0x00})
	assert.ErrorIs(t, err, ErrZeroLength)
}
