package trace

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// Strings in trace files use the modified UTF-8 of Java's DataOutput: NUL
// is written as C0 80 and runs outside the BMP as a pair of 3-byte
// surrogates. Plain UTF-8 four-byte sequences are accepted on input too.

// appendModifiedUTF8 encodes s. Invalid UTF-8 in s becomes U+FFFD.
func appendModifiedUTF8(b []byte, s string) []byte {
	for _, r := range s {
		switch {
		case r == 0:
			b = append(b, 0xC0, 0x80)
		case r >= 0x10000:
			hi, lo := utf16.EncodeRune(r)
			b = appendSurrogate(b, hi)
			b = appendSurrogate(b, lo)
		default:
			b = utf8.AppendRune(b, r)
		}
	}
	return b
}

func appendSurrogate(b []byte, r rune) []byte {
	return append(b, 0xE0|byte(r>>12), 0x80|byte(r>>6)&0x3F, 0x80|byte(r)&0x3F)
}

// modifiedUTF8Len is the encoded size of s.
func modifiedUTF8Len(s string) int {
	n := 0
	for _, r := range s {
		switch {
		case r == 0:
			n += 2
		case r >= 0x10000:
			n += 6
		default:
			n += utf8.RuneLen(r)
		}
	}
	return n
}

// decodeModifiedUTF8 never fails: bytes that form no character, including
// unpaired surrogates, decode as U+FFFD.
func decodeModifiedUTF8(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for i := 0; i < len(b); {
		if b[i] < utf8.RuneSelf {
			sb.WriteByte(b[i])
			i++
			continue
		}
		if b[i] == 0xC0 && i+1 < len(b) && b[i+1] == 0x80 {
			sb.WriteByte(0)
			i += 2
			continue
		}
		if hi, ok := surrogate(b[i:]); ok {
			if lo, ok := surrogate(b[i+3:]); ok {
				if r := utf16.DecodeRune(hi, lo); r != utf8.RuneError {
					sb.WriteRune(r)
					i += 6
					continue
				}
			}
			sb.WriteRune(utf8.RuneError)
			i += 3
			continue
		}
		r, size := utf8.DecodeRune(b[i:])
		sb.WriteRune(r)
		i += size
	}
	return sb.String()
}

// surrogate decodes a 3-byte encoded UTF-16 surrogate (ED A0..BF xx).
func surrogate(b []byte) (rune, bool) {
	if len(b) < 3 || b[0] != 0xED || b[1]&0xE0 != 0xA0 || b[2]&0xC0 != 0x80 {
		return 0, false
	}
	return 0xD000 | rune(b[1]&0x3F)<<6 | rune(b[2]&0x3F), true
}
