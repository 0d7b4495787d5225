package utils

import (
	"crypto/rand"
	"strings"
)

// RecoveryAlphabet excludes glyphs that are easy to misread (0/O, 1/I/L).
const RecoveryAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GenerateRecoveryCode returns a 12-character recovery code rendered as three
// dash-separated groups of four, e.g. "QK7N-38WZ-DMRP".
func GenerateRecoveryCode() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	var b strings.Builder
	for i, c := range buf {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		// 256 is a multiple of 32, so the modulo draw is uniform.
		b.WriteByte(RecoveryAlphabet[int(c)%len(RecoveryAlphabet)])
	}
	return b.String(), nil
}

// NormalizeRecoveryCode strips dashes and whitespace and uppercases, so codes
// compare equal regardless of how the client formatted them.
func NormalizeRecoveryCode(code string) string {
	code = strings.TrimSpace(code)
	code = strings.ReplaceAll(code, "-", "")
	return strings.ToUpper(code)
}
