package fix

import (
	"bytes"
	"strconv"
)

// FrameBuffer is a growable byte accumulator fed by successive socket
// reads. TryExtractOne pulls exactly one complete FIX frame out of it and
// advances past it, copying no more than the returned frame.
type FrameBuffer struct {
	data []byte
}

// Write appends p to the buffer.
func (b *FrameBuffer) Write(p []byte) {
	b.data = append(b.data, p...)
}

// Len reports the number of unconsumed bytes currently buffered.
func (b *FrameBuffer) Len() int { return len(b.data) }

// TryExtractOne returns the next complete frame and true if one is fully
// buffered, else (nil, false) leaving the buffer untouched. On success the
// buffer is advanced past the returned bytes.
func (b *FrameBuffer) TryExtractOne() ([]byte, bool) {
	data := b.data

	start := bytes.Index(data, []byte("8="))
	if start < 0 {
		return nil, false
	}

	ninePos := bytes.Index(data[start:], []byte("9="))
	if ninePos < 0 {
		return nil, false
	}
	ninePos += start

	nineEnd := bytes.IndexByte(data[ninePos:], SOH)
	if nineEnd < 0 {
		return nil, false
	}
	nineEnd += ninePos

	bodyLenStr := string(data[ninePos+2 : nineEnd])
	bodyLen, err := strconv.Atoi(bodyLenStr)
	if err != nil {
		return nil, false
	}

	bodyStart := nineEnd + 1
	// "10=NNN<SOH>" is always exactly 7 bytes.
	totalLen := (bodyStart - start) + bodyLen + 7

	if start+totalLen > len(data) {
		return nil, false
	}

	frame := make([]byte, totalLen)
	copy(frame, data[start:start+totalLen])

	b.data = data[start+totalLen:]
	return frame, true
}
