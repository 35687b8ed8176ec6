package protocol

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/edgeagent/internal/payload"
)

const (
	// DefaultMaxPayload is the payload ceiling used when none is configured.
	DefaultMaxPayload = 4 * 1024 * 1024

	// LengthPrefixSize is the width of the decimal length prefix.
	LengthPrefixSize = 6

	// MaxFrameLen is the largest body a 6-digit prefix can describe.
	MaxFrameLen = 999999

	headerFields = 5
)

// Codec converts Messages to and from wire text.
type Codec struct {
	maxPayload int
	logger     zerolog.Logger
}

// NewCodec creates a codec rejecting payloads of maxPayload bytes or more.
// A non-positive value selects DefaultMaxPayload.
func NewCodec(maxPayload int) *Codec {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Codec{
		maxPayload: maxPayload,
		logger:     log.With().Str("component", "codec").Logger(),
	}
}

// MaxPayload returns the configured payload ceiling.
func (c *Codec) MaxPayload() int {
	return c.maxPayload
}

// MaxFrame returns the largest framed body the reassembler should accept
// for this codec: every payload byte escaped plus the header fields.
func (c *Codec) MaxFrame() int {
	n := c.maxPayload*3 + 64
	if n > MaxFrameLen || n < 0 {
		return MaxFrameLen
	}
	return n
}

// EncodeText renders the unframed form: TYPE FROM TO ARG1 ARG2 PAYLOAD.
// With encodePayload set the payload goes through Escape, otherwise it is
// written verbatim.
func (c *Codec) EncodeText(m *Message, encodePayload bool) ([]byte, error) {
	data, err := m.body()
	if err != nil {
		return nil, err
	}
	if len(data) >= c.maxPayload {
		return nil, tooLarge(len(data), c.maxPayload)
	}

	buf := make([]byte, 0, 32+len(data)*3)
	buf = appendHeader(buf, m)
	switch {
	case encodePayload && len(data) == 1 && data[0] == '-':
		// a bare "-" would read back as "no payload"
		buf = append(buf, "%2D"...)
	case encodePayload:
		buf = AppendEscaped(buf, data)
	default:
		buf = append(buf, data...)
	}
	return buf, nil
}

// EncodeFramed renders the length-prefixed form. The body is built first,
// then measured, then the fixed-width prefix is written in front of it.
func (c *Codec) EncodeFramed(m *Message, encodePayload bool) ([]byte, error) {
	body, err := c.EncodeText(m, encodePayload)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxFrameLen {
		return nil, tooLarge(len(body), MaxFrameLen)
	}

	out := make([]byte, 0, LengthPrefixSize+len(body))
	out = fmt.Appendf(out, "%06d", len(body))
	return append(out, body...), nil
}

func appendHeader(buf []byte, m *Message) []byte {
	for _, v := range [headerFields]uint32{m.Type, m.From, m.To, m.Arg1, m.Arg2} {
		buf = strconv.AppendUint(buf, uint64(v), 10)
		buf = append(buf, ' ')
	}
	return buf
}

// Decode parses text of unknown origin, such as a frame pasted on the
// command line. The text may still carry its 6-digit length prefix, either
// glued to the type field or separated by a space; a first token of six or
// more digits is always read as a prefix. Use DecodeBody for frames that the
// Reassembler already deframed and DecodeFramed when the prefix is known to
// be present.
func (c *Codec) Decode(text []byte) (*Message, error) {
	return c.DecodeBody(stripPrefix(bytes.TrimRight(text, "\r\n")))
}

// DecodeFramed parses a length-prefixed frame. The prefix is dropped without
// being checked, since only the reassembler relies on it.
func (c *Codec) DecodeFramed(text []byte) (*Message, error) {
	if len(text) < LengthPrefixSize || !allDigits(text[:LengthPrefixSize]) {
		return nil, malformed("missing %d-digit length prefix", LengthPrefixSize)
	}
	text = text[LengthPrefixSize:]
	if len(text) > 0 && text[0] == ' ' {
		text = text[1:]
	}
	return c.DecodeBody(text)
}

// DecodeBody parses an unframed body: TYPE FROM TO ARG1 ARG2 PAYLOAD.
//
// Everything after the fifth field is the payload, spaces included. A lone
// "-" means no payload. The payload is always unescaped, so a payload that
// was sent raw keeps its text only if it holds no %XX sequence. If the
// unescaped payload starts with '{' or '[' it is parsed into Message.Data.
func (c *Codec) DecodeBody(text []byte) (*Message, error) {
	text = bytes.TrimRight(text, "\r\n")

	fields := bytes.SplitN(text, []byte{' '}, headerFields+1)
	if len(fields) < headerFields {
		return nil, malformed("%d fields, need %d", len(fields), headerFields)
	}

	var header [headerFields]uint32
	for i := 0; i < headerFields; i++ {
		v, err := strconv.ParseUint(string(fields[i]), 10, 32)
		if err != nil {
			return nil, malformed("field %d %q is not a number", i+1, fields[i])
		}
		header[i] = uint32(v)
	}

	msg := &Message{
		Type: header[0],
		From: header[1],
		To:   header[2],
		Arg1: header[3],
		Arg2: header[4],
	}

	if len(fields) <= headerFields {
		return msg, nil
	}

	raw := fields[headerFields]
	if len(raw) == 0 || (len(raw) == 1 && raw[0] == '-') {
		return msg, nil
	}
	msg.Payload = Unescape(raw)
	if len(msg.Payload) >= c.maxPayload {
		return nil, tooLarge(len(msg.Payload), c.maxPayload)
	}

	if first := msg.Payload[0]; first == '{' || first == '[' {
		data, err := payload.Parse(msg.Payload)
		if err != nil {
			c.logger.Debug().
				Err(err).
				Uint32("type", msg.Type).
				Int("payload_len", len(msg.Payload)).
				Msg("payload looks like json but did not parse")
		} else {
			msg.Data = data
		}
	}

	return msg, nil
}

// stripPrefix drops a leading length prefix if one is present: either a
// 6-digit token followed by a space, or a run of more than 6 digits whose
// first 6 are the prefix and the rest the type field.
func stripPrefix(text []byte) []byte {
	end := bytes.IndexByte(text, ' ')
	if end < 0 {
		return text
	}
	tok := text[:end]
	if len(tok) < LengthPrefixSize || !allDigits(tok) {
		return text
	}
	if len(tok) == LengthPrefixSize {
		return text[end+1:]
	}
	return text[LengthPrefixSize:]
}

func allDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(b) > 0
}
