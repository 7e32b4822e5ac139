package fix

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

func checksum(b []byte) int {
	sum := 0
	for _, c := range b {
		sum += int(c)
	}
	return sum % 256
}

// Encode serializes msg into a wire frame: 8=, 9=, 35=, application fields in
// ascending tag order, then 10=. BodyLength and the trailing checksum are
// always recomputed; any values the caller set for tags 8, 9, 10 are
// ignored.
func Encode(msg FixMessage) []byte {
	var body strings.Builder
	body.WriteString("35=")
	body.WriteString(string(msg.MsgType))
	body.WriteByte(SOH)

	for _, tag := range msg.sortedTags() {
		body.WriteString(strconv.Itoa(tag))
		body.WriteByte('=')
		body.WriteString(msg.Fields[tag])
		body.WriteByte(SOH)
	}

	bodyLen := body.Len()

	var out strings.Builder
	out.Grow(32 + bodyLen + 16)
	out.WriteString("8=")
	out.WriteString(BeginString)
	out.WriteByte(SOH)
	out.WriteString("9=")
	out.WriteString(strconv.Itoa(bodyLen))
	out.WriteByte(SOH)
	out.WriteString(body.String())

	sum := checksum([]byte(out.String()))
	out.WriteString("10=")
	out.WriteString(fmt.Sprintf("%03d", sum))
	out.WriteByte(SOH)

	return []byte(out.String())
}

// Decode parses a single wire frame. buf must end with SOH and contain
// exactly one message (the caller extracts frames with a FrameBuffer
// first). Decode enforces header order (8, 9, 35), recomputes and checks
// the checksum and body length, rejects duplicate tags, and strips tags 8,
// 9, 35 from the returned Fields map.
func Decode(buf []byte) (FixMessage, error) {
	if len(buf) == 0 {
		return FixMessage{}, ErrEmptyMessage
	}
	if buf[len(buf)-1] != SOH {
		return FixMessage{}, ErrNotSohTerminated
	}

	withoutFinalSOH := buf[:len(buf)-1]
	rawFields := strings.Split(string(withoutFinalSOH), string(rune(SOH)))
	if len(rawFields) == 0 {
		return FixMessage{}, ErrEmptyMessage
	}

	trailer := rawFields[len(rawFields)-1]
	if !strings.HasPrefix(trailer, "10=") {
		return FixMessage{}, ErrMissingTrailer
	}
	expectedChecksum, err := strconv.Atoi(trailer[3:])
	if err != nil || expectedChecksum < 0 || expectedChecksum > 255 || len(trailer[3:]) != 3 {
		return FixMessage{}, ErrBadChecksumFormat
	}

	checksumRegionEnd := len(buf) - (len(trailer) + 1)
	actualChecksum := checksum(buf[:checksumRegionEnd])
	if actualChecksum != expectedChecksum {
		return FixMessage{}, &ErrChecksumMismatch{Expected: expectedChecksum, Actual: actualChecksum}
	}

	fields := rawFields[:len(rawFields)-1]

	m := make(map[int]string, len(fields))
	order := make([]int, 0, len(fields))
	for _, f := range fields {
		if !utf8.ValidString(f) {
			return FixMessage{}, ErrNonUTF8Field
		}
		idx := strings.IndexByte(f, '=')
		if idx < 0 {
			return FixMessage{}, fmt.Errorf("fix: malformed field %q", f)
		}
		tagStr, val := f[:idx], f[idx+1:]
		tag, err := strconv.Atoi(tagStr)
		if err != nil {
			return FixMessage{}, ErrNonNumericTag
		}
		if _, dup := m[tag]; dup {
			return FixMessage{}, ErrDuplicateTag
		}
		m[tag] = val
		order = append(order, tag)
	}

	if len(order) < 1 || order[0] != TagBeginString {
		return FixMessage{}, &ErrMissingHeader{Tag: TagBeginString}
	}
	if len(order) < 2 || order[1] != TagBodyLength {
		return FixMessage{}, &ErrMissingHeader{Tag: TagBodyLength}
	}
	if len(order) < 3 || order[2] != TagMsgType {
		return FixMessage{}, &ErrMissingHeader{Tag: TagMsgType}
	}

	bodyLenVal, err := strconv.Atoi(m[TagBodyLength])
	if err != nil {
		return FixMessage{}, fmt.Errorf("fix: invalid 9=BodyLength value: %w", err)
	}

	bodyCounted := 0
	for _, f := range fields[2:] {
		bodyCounted += len(f) + 1
	}
	if bodyCounted != bodyLenVal {
		return FixMessage{}, &ErrBodyLengthMismatch{Declared: bodyLenVal, Computed: bodyCounted}
	}

	beginString := m[TagBeginString]
	msgType := MsgType(m[TagMsgType])

	delete(m, TagBeginString)
	delete(m, TagBodyLength)
	delete(m, TagMsgType)

	return FixMessage{
		BeginString: beginString,
		BodyLength:  bodyLenVal,
		MsgType:     msgType,
		Fields:      m,
	}, nil
}
