package utils

import (
	"encoding/binary"
	"unicode/utf16"
)

// EncodedStringLen returns the UTF-16LE size of s in bytes.
func EncodedStringLen(s string) int {
	n := 0
	for _, r := range s {
		n += 2 * utf16.RuneLen(r)
	}
	return n
}

// EncodeStringToBytes returns s as UTF-16LE without a terminator; nil for "".
func EncodeStringToBytes(s string) []byte {
	if s == "" {
		return nil
	}
	bs := make([]byte, 0, EncodedStringLen(s))
	for _, w := range utf16.Encode([]rune(s)) {
		bs = binary.LittleEndian.AppendUint16(bs, w)
	}
	return bs
}

// DecodeToString decodes UTF-16LE bytes, dropping one trailing NUL and an
// odd final byte.
func DecodeToString(bs []byte) string {
	ws := make([]uint16, 0, len(bs)/2)
	for ; len(bs) >= 2; bs = bs[2:] {
		ws = append(ws, binary.LittleEndian.Uint16(bs))
	}
	if n := len(ws); n > 0 && ws[n-1] == 0 {
		ws = ws[:n-1]
	}
	return string(utf16.Decode(ws))
}
