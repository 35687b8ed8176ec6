package protocol

const hexDigits = "0123456789ABCDEF"

// needsEscape reports whether b must be written as %XX. Only alphanumerics
// and ! _ ~ ' ( ) * - . pass through unchanged; this is narrower than any
// RFC 3986 component encoder and servers rely on that exact set.
func needsEscape(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return false
	}
	switch b {
	case '!', '_', '~', '\'', '(', ')', '*', '-', '.':
		return false
	}
	return true
}

// AppendEscaped appends the escaped form of src to dst.
func AppendEscaped(dst, src []byte) []byte {
	for _, b := range src {
		if needsEscape(b) {
			dst = append(dst, '%', hexDigits[b>>4], hexDigits[b&0x0F])
		} else {
			dst = append(dst, b)
		}
	}
	return dst
}

// Escape returns the escaped form of s.
func Escape(s string) string {
	return string(AppendEscaped(make([]byte, 0, len(s)*3), []byte(s)))
}

// Unescape decodes %XX sequences in src. Hex digits may be either case. A %
// that is not followed by two hex digits is kept literally.
func Unescape(src []byte) []byte {
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); i++ {
		if src[i] == '%' && i+2 < len(src) {
			hi, okHi := unhex(src[i+1])
			lo, okLo := unhex(src[i+2])
			if okHi && okLo {
				out = append(out, hi<<4|lo)
				i += 2
				continue
			}
		}
		out = append(out, src[i])
	}
	return out
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
