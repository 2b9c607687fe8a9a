package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("hello"),
		[]byte("x"),
		bytes.Repeat([]byte{0xAB}, 300),
	}

	var stream []byte
	for _, p := range payloads {
		stream = append(stream, Frame(p)...)
	}

	got, tail, err := Deframe(stream)
	require.NoError(t, err)
	require.Empty(t, tail)
	require.Len(t, got, len(payloads))
	for i, p := range payloads {
		require.Equal(t, p, got[i])
	}
}

func TestDeframeAcrossChunkBoundaries(t *testing.T) {
	var stream []byte
	want := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	for _, p := range want {
		stream = append(stream, Frame(p)...)
	}

	var acc []byte
	var got [][]byte
	for _, b := range stream {
		acc = append(acc, b)
		frames, tail, err := Deframe(acc)
		require.NoError(t, err)
		got = append(got, frames...)
		acc = tail
	}

	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i], got[i])
	}
}

func TestDeframeMalformedZeroLength(t *testing.T) {
	buf := []byte{0, 0, 0, 0, 1, 2, 3}
	frames, tail, err := Deframe(buf)
	require.ErrorIs(t, err, ErrMalformed)
	require.Empty(t, frames)
	require.Equal(t, buf, tail)
}

func TestDeframePartialFrameKeepsTail(t *testing.T) {
	full := Frame([]byte("longer-payload"))
	partial := full[:len(full)-3]
	frames, tail, err := Deframe(partial)
	require.NoError(t, err)
	require.Empty(t, frames)
	require.Equal(t, partial, tail)
}
