package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestDecodeAgentFrameWithPrefix(t *testing.T) {
	c := NewCodec(0)

	msg, err := c.Decode([]byte("000021 92 5 100 0 0 %7b%22op%22%3a1%7d"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if msg.Type != TypeAgent || msg.From != 5 || msg.To != 100 || msg.Arg1 != 0 || msg.Arg2 != 0 {
		t.Fatalf("header = %d %d %d %d %d, want 92 5 100 0 0",
			msg.Type, msg.From, msg.To, msg.Arg1, msg.Arg2)
	}
	if string(msg.Payload) != `{"op":1}` {
		t.Errorf("payload = %q, want {\"op\":1}", msg.Payload)
	}
	if op, ok := msg.Data.Int64("op"); !ok || op != 1 {
		t.Errorf("data op = %d, %v; want 1, true", op, ok)
	}
}

func TestDecodePrefixGluedToType(t *testing.T) {
	c := NewCodec(0)

	msg, err := c.Decode([]byte("00002092 5 100 7 8 abc"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg.Type != 92 || msg.Arg1 != 7 || msg.Arg2 != 8 || string(msg.Payload) != "abc" {
		t.Errorf("got %+v", msg)
	}
}

func TestDecodePayloadVariants(t *testing.T) {
	c := NewCodec(0)

	tests := []struct {
		name    string
		in      string
		payload string
		hasData bool
	}{
		{"dash means none", "1 0 7 0 0 -", "", false},
		{"empty trailing field", "0 0 0 0 0 ", "", false},
		{"no payload field", "0 0 0 0 0", "", false},
		{"spaces kept in payload", "20 1 2 3 4 hello big world", "hello big world", false},
		{"escaped text", "20 1 2 3 4 100%25%20sure", "100% sure", false},
		{"lenient escapes", "20 1 2 3 4 %zz%4a%4", "%zzJ%4", false},
		{"raw json", `92 0 0 0 0 {"a":1}`, `{"a":1}`, true},
		{"escaped array", "92 0 0 0 0 %5B1%2C2%5D", "[1,2]", true},
		{"broken json kept raw", "92 0 0 0 0 %7Boops", "{oops", false},
		{"trailing newline", "92 0 0 0 0 x\n", "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := c.Decode([]byte(tt.in))
			if err != nil {
				t.Fatalf("Decode(%q) failed: %v", tt.in, err)
			}
			if string(msg.Payload) != tt.payload {
				t.Errorf("payload = %q, want %q", msg.Payload, tt.payload)
			}
			if got := !msg.Data.IsNull(); got != tt.hasData {
				t.Errorf("has data = %v, want %v", got, tt.hasData)
			}
			if tt.payload == "" && msg.HasPayload() {
				t.Error("HasPayload should be false")
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	c := NewCodec(0)

	for _, in := range []string{"", "92 5 100", "92 5 100 0", "x 1 2 3 4", "92 5  100 0 0", "92 -5 1 1 1"} {
		t.Run(fmt.Sprintf("%q", in), func(t *testing.T) {
			msg, err := c.Decode([]byte(in))
			if !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("err = %v, want ErrMalformedFrame", err)
			}
			if msg != nil {
				t.Error("no partial message should be returned")
			}
		})
	}
}

func TestPayloadTooLarge(t *testing.T) {
	c := NewCodec(16)

	big := &Message{Type: TypeAgent, Payload: bytes.Repeat([]byte("a"), 16)}
	if _, err := c.EncodeText(big, true); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("EncodeText err = %v, want ErrPayloadTooLarge", err)
	}
	if _, err := c.Decode([]byte("92 0 0 0 0 " + string(big.Payload))); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Decode err = %v, want ErrPayloadTooLarge", err)
	}

	small := &Message{Type: TypeAgent, Payload: bytes.Repeat([]byte("a"), 15)}
	if _, err := c.EncodeText(small, true); err != nil {
		t.Errorf("EncodeText below limit failed: %v", err)
	}
}

func TestEncodeForms(t *testing.T) {
	c := NewCodec(0)

	ping, err := c.EncodeText(BuildPing(), true)
	if err != nil {
		t.Fatalf("EncodeText failed: %v", err)
	}
	if string(ping) != "0 0 0 0 0 " {
		t.Errorf("ping = %q, want %q", ping, "0 0 0 0 0 ")
	}

	login, err := c.EncodeText(BuildLogin(DefaultLoginVersion, "tok/en:1"), false)
	if err != nil {
		t.Fatalf("EncodeText failed: %v", err)
	}
	if string(login) != "1 0 0 20071025 0 tok/en:1" {
		t.Errorf("login = %q", login)
	}

	msg := &Message{Type: TypeAgent, From: 5, To: 100, Payload: []byte(`{"op":1}`)}
	framed, err := c.EncodeFramed(msg, true)
	if err != nil {
		t.Fatalf("EncodeFramed failed: %v", err)
	}
	want := "000031" + "92 5 100 0 0 %7B%22op%22%3A1%7D"
	if string(framed) != want {
		t.Errorf("framed = %q\nwant     %q", framed, want)
	}
}

func TestEncodeStructuredData(t *testing.T) {
	c := NewCodec(0)

	data := NewAgentPayload(OpJoin).Model(100).Set("ctxenc", "a b").Build()
	out, err := c.EncodeText(BuildAgent(0, 0, 0, 0, data), true)
	if err != nil {
		t.Fatalf("EncodeText failed: %v", err)
	}

	back, err := c.DecodeBody(out)
	if err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
	if !back.Data.Equal(data) {
		t.Errorf("data = %s, want %s", back.Data, data)
	}
}

func TestEscapeSafelist(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"abcXYZ019", "abcXYZ019"},
		{"!_~'()*-.", "!_~'()*-."},
		{"a b", "a%20b"},
		{`{"k":"v"}`, "%7B%22k%22%3A%22v%22%7D"},
		{"/?&=+#%", "%2F%3F%26%3D%2B%23%25"},
		{"é", "%C3%A9"},
		{"\n\x00", "%0A%00"},
	}

	for _, tt := range tests {
		if got := Escape(tt.in); got != tt.want {
			t.Errorf("Escape(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if got := string(Unescape([]byte(tt.want))); got != tt.in {
			t.Errorf("Unescape(%q) = %q, want %q", tt.want, got, tt.in)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	c := NewCodec(0)

	binary := make([]byte, 256)
	for i := range binary {
		binary[i] = byte(i)
	}

	payloads := [][]byte{
		nil,
		[]byte("x"),
		[]byte("-"),
		[]byte("hello world"),
		[]byte("  leading and trailing  "),
		[]byte("100% sure %41"),
		[]byte(`{"op":8192,"query":{"cmd":"set profile","val":"a b"}}`),
		[]byte(`[1,"two",3]`),
		binary,
	}

	for i, p := range payloads {
		orig := &Message{Type: 92, From: uint32(i), To: 4294967295, Arg1: 7, Arg2: 1 << 20, Payload: p}

		for _, framed := range []bool{false, true} {
			t.Run(fmt.Sprintf("%d/framed=%v", i, framed), func(t *testing.T) {
				var out []byte
				var err error
				if framed {
					out, err = c.EncodeFramed(orig, true)
				} else {
					out, err = c.EncodeText(orig, true)
				}
				if err != nil {
					t.Fatalf("encode failed: %v", err)
				}

				if field := payloadField(t, out, framed); bytes.IndexByte(field, ' ') >= 0 {
					t.Errorf("encoded payload %q contains a space", field)
				}

				decode := c.DecodeBody
				if framed {
					decode = c.DecodeFramed
				}
				back, err := decode(out)
				if err != nil {
					t.Fatalf("decode(%q) failed: %v", out, err)
				}
				assertSameMessage(t, orig, back)
			})
		}
	}
}

func TestRoundTripWideHeaders(t *testing.T) {
	c := NewCodec(0)

	headers := []Message{
		{Type: 123456, From: 5, To: 100},
		{Type: 1000092, From: 5, To: 100},
		{Type: 999999, From: 0, To: 0},
		{Type: 4294967295, From: 4294967295, To: 4294967295, Arg1: 4294967295, Arg2: 4294967295},
		{Type: TypeAgent, From: 1234567, To: 100, Arg1: 20071025},
	}

	for _, h := range headers {
		for _, p := range []string{"", "hi", `{"op":1}`} {
			orig := h
			orig.Payload = []byte(p)

			t.Run(fmt.Sprintf("%d/%q", h.Type, p), func(t *testing.T) {
				text, err := c.EncodeText(&orig, true)
				if err != nil {
					t.Fatalf("EncodeText failed: %v", err)
				}
				back, err := c.DecodeBody(text)
				if err != nil {
					t.Fatalf("DecodeBody(%q) failed: %v", text, err)
				}
				assertSameMessage(t, &orig, back)

				framed, err := c.EncodeFramed(&orig, true)
				if err != nil {
					t.Fatalf("EncodeFramed failed: %v", err)
				}
				back, err = c.DecodeFramed(framed)
				if err != nil {
					t.Fatalf("DecodeFramed(%q) failed: %v", framed, err)
				}
				assertSameMessage(t, &orig, back)

				r := NewReassembler(c.MaxFrame())
				r.Write(framed)
				body, err := r.Next()
				if err != nil || body == nil {
					t.Fatalf("Next = %q, %v", body, err)
				}
				back, err = c.DecodeBody(body)
				if err != nil {
					t.Fatalf("DecodeBody(%q) after reassembly failed: %v", body, err)
				}
				assertSameMessage(t, &orig, back)
			})
		}
	}
}

func TestDecodeFramedNeedsPrefix(t *testing.T) {
	c := NewCodec(0)

	for _, in := range []string{"", "92 5 100 0 0 x", "00002"} {
		if _, err := c.DecodeFramed([]byte(in)); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("DecodeFramed(%q) err = %v, want ErrMalformedFrame", in, err)
		}
	}

	msg, err := c.DecodeFramed([]byte("000021 92 5 100 0 0 %7b%22op%22%3a1%7d"))
	if err != nil {
		t.Fatalf("DecodeFramed failed: %v", err)
	}
	if msg.Type != TypeAgent || msg.From != 5 || msg.To != 100 {
		t.Errorf("header = %d %d %d", msg.Type, msg.From, msg.To)
	}
}

func TestRawPayloadPercentText(t *testing.T) {
	c := NewCodec(0)

	login, err := c.EncodeText(BuildLogin(DefaultLoginVersion, "user%41:pw"), false)
	if err != nil {
		t.Fatalf("EncodeText failed: %v", err)
	}
	msg, err := c.DecodeBody(login)
	if err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
	// raw %XX text is read as an escape
	if string(msg.Payload) != "userA:pw" {
		t.Errorf("payload = %q, want %q", msg.Payload, "userA:pw")
	}

	plain, _ := c.EncodeText(BuildLogin(DefaultLoginVersion, "guest:guest"), false)
	if msg, _ := c.DecodeBody(plain); string(msg.Payload) != "guest:guest" {
		t.Errorf("payload = %q, want guest:guest", msg.Payload)
	}
}

func payloadField(t *testing.T, out []byte, framed bool) []byte {
	t.Helper()
	if framed {
		out = out[LengthPrefixSize:]
	}
	fields := bytes.SplitN(out, []byte{' '}, headerFields+1)
	if len(fields) != headerFields+1 {
		t.Fatalf("encoded %q has %d fields", out, len(fields))
	}
	return fields[headerFields]
}

func assertSameMessage(t *testing.T, want, got *Message) {
	t.Helper()
	if got.Type != want.Type || got.From != want.From || got.To != want.To ||
		got.Arg1 != want.Arg1 || got.Arg2 != want.Arg2 {
		t.Fatalf("header = %d %d %d %d %d, want %d %d %d %d %d",
			got.Type, got.From, got.To, got.Arg1, got.Arg2,
			want.Type, want.From, want.To, want.Arg1, want.Arg2)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("payload = %q, want %q", got.Payload, want.Payload)
	}
	if got.HasPayload() != want.HasPayload() {
		t.Fatalf("HasPayload = %v, want %v", got.HasPayload(), want.HasPayload())
	}
}

func TestBuilderResult(t *testing.T) {
	v := NewAgentPayload(OpQuery).RequestID(42).Reply(true).Result(ResponseNotFound, "cmd not recognized").Build()

	if code, ok := v.Int64("_err"); !ok || Response(code) != ResponseNotFound {
		t.Errorf("_err = %d, %v", code, ok)
	}
	if m, _ := v.Str("_msg"); m != "cmd not recognized" {
		t.Errorf("_msg = %q", m)
	}

	ok := NewAgentPayload(OpQuery).Result(ResponseSuccess, "").Build()
	if ok.Has("_msg") {
		t.Error("_msg should be omitted when empty")
	}
}
