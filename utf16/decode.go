// Package utf16 decodes UTF-16 encoded byte slices, as found throughout NTFS
// on-disk structures (attribute names, $FILE_NAME records, INDX entries).
package utf16

import (
	"encoding/binary"
	"errors"
	"strings"
	"unicode/utf16"
)

// DecodeString decodes b as a UTF-16 string using the given byte order. b must
// have an even length.
func DecodeString(b []byte, bo binary.ByteOrder) (string, error) {
	blen := len(b)
	if blen%2 != 0 {
		return "", errors.New("input data must have even number of bytes")
	}
	slen := blen / 2
	shorts := make([]uint16, slen)
	for i := 0; i < slen; i++ {
		bi := i * 2
		shorts[i] = bo.Uint16(b[bi : bi+2])
	}
	return string(utf16.Decode(shorts)), nil
}

// DecodeStringLossy decodes b as a UTF-16 string the same way DecodeString
// does, but never fails: a trailing odd byte is dropped, and any embedded NUL
// characters are stripped from the result rather than left for the caller to
// trip over. Non-BMP code points decode through the same surrogate-pair path
// as DecodeString; unpaired surrogates become the Unicode replacement
// character, which is as good as this format gets without a validating
// decoder.
func DecodeStringLossy(b []byte, bo binary.ByteOrder) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	s, err := DecodeString(b, bo)
	if err != nil {
		return ""
	}
	if strings.IndexByte(s, 0) == -1 {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}
