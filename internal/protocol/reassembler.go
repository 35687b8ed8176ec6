package protocol

// Reassembler turns a stream of text chunks into whole length-prefixed
// frames. Bytes that do not yet form a complete frame are carried over to
// the next Write.
//
// After Next reports no frame, the carry is either empty or a strict prefix
// of exactly one future frame. A Reassembler is not safe for concurrent use.
type Reassembler struct {
	carry    []byte
	maxFrame int
}

// NewReassembler creates a reassembler that rejects frames whose declared
// body length exceeds maxFrame.
func NewReassembler(maxFrame int) *Reassembler {
	if maxFrame <= 0 || maxFrame > MaxFrameLen {
		maxFrame = MaxFrameLen
	}
	return &Reassembler{maxFrame: maxFrame}
}

// Write appends a chunk of received text.
func (r *Reassembler) Write(chunk []byte) {
	r.carry = append(r.carry, chunk...)
}

// Next returns the body of the next complete frame with its prefix removed.
// It returns nil, nil when no complete frame is buffered.
//
// A prefix that is not six decimal digits, or that declares an oversized
// body, makes the stream unrecoverable: the carry is discarded and
// ErrMalformedFrame or ErrPayloadTooLarge is returned.
func (r *Reassembler) Next() ([]byte, error) {
	r.skipLineBreaks()

	if len(r.carry) < LengthPrefixSize {
		return nil, nil
	}

	n := 0
	for _, c := range r.carry[:LengthPrefixSize] {
		if c < '0' || c > '9' {
			bad := string(r.carry[:LengthPrefixSize])
			r.Reset()
			return nil, malformed("invalid length prefix %q", bad)
		}
		n = n*10 + int(c-'0')
	}

	if n > r.maxFrame {
		r.Reset()
		return nil, tooLarge(n, r.maxFrame)
	}

	if len(r.carry)-LengthPrefixSize < n {
		return nil, nil
	}

	end := LengthPrefixSize + n
	frame := make([]byte, n)
	copy(frame, r.carry[LengthPrefixSize:end])

	if rest := r.carry[end:]; len(rest) > 0 {
		r.carry = append(r.carry[:0:0], rest...)
	} else {
		r.carry = nil
	}

	return frame, nil
}

// Buffered returns the number of carried bytes.
func (r *Reassembler) Buffered() int {
	return len(r.carry)
}

// Reset drops any carried bytes.
func (r *Reassembler) Reset() {
	r.carry = nil
}

// skipLineBreaks drops newline separators some servers put between frames.
func (r *Reassembler) skipLineBreaks() {
	i := 0
	for i < len(r.carry) && (r.carry[i] == '\n' || r.carry[i] == '\r') {
		i++
	}
	if i > 0 {
		r.carry = r.carry[i:]
		if len(r.carry) == 0 {
			r.carry = nil
		}
	}
}
