// Package frame implements the wire framing used on the upstream channel:
// a 4-byte big-endian length prefix followed by exactly that many payload
// bytes.
package frame

import (
	"encoding/binary"
	"errors"
)

// ErrMalformed is returned by Deframe when a declared frame length is zero;
// such a frame can never be completed and parsing stops, preserving the
// accumulator so the caller can decide whether to drop the connection.
var ErrMalformed = errors.New("frame: malformed zero-length frame")

const prefixLen = 4

// Frame prepends payload with its 4-byte big-endian length.
func Frame(payload []byte) []byte {
	out := make([]byte, prefixLen+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[prefixLen:], payload)
	return out
}

// Deframe consumes zero or more complete frames from buf, returning the
// decoded payloads and the unconsumed tail. Callers append newly read bytes
// to the returned tail and call Deframe again. A declared length of zero
// is malformed: Deframe returns the frames found so far, the tail starting
// at the malformed frame, and ErrMalformed.
func Deframe(buf []byte) ([][]byte, []byte, error) {
	var frames [][]byte
	for {
		if len(buf) < prefixLen {
			return frames, buf, nil
		}
		length := binary.BigEndian.Uint32(buf)
		if length == 0 {
			return frames, buf, ErrMalformed
		}
		end := prefixLen + int(length)
		if len(buf) < end {
			return frames, buf, nil
		}
		frames = append(frames, buf[prefixLen:end:end])
		buf = buf[end:]
	}
}
