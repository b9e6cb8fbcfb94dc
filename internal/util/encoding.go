package util

import (
	"encoding/hex"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns s in Unicode NFKD form. Passwords are normalized
// before hashing so that visually identical input verifies regardless of
// how the client composed it.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
