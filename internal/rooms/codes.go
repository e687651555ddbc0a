package rooms

import (
	"crypto/rand"
	"math/big"
	"strings"

	"emoguchi/internal/apperr"
)

// Alphabet excludes ambiguous characters: 0, O, 1, I, L
const alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeLength = 6

const (
	minCodeLength = 3
	maxCodeLength = 20
)

func GenerateCode() (string, error) {
	code := make([]byte, codeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", err
		}
		code[i] = alphabet[n.Int64()]
	}
	return string(code), nil
}

// NormalizeCode trims and upper-cases a client supplied room code and checks
// it is 3 to 20 characters of A-Z, 0-9, '-' or '_'.
func NormalizeCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if n := len(code); n < minCodeLength || n > maxCodeLength {
		return "", apperr.Newf(apperr.BadRequest, "room code must be %d-%d characters", minCodeLength, maxCodeLength)
	}
	for _, ch := range code {
		switch {
		case ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
		default:
			return "", apperr.Newf(apperr.BadRequest, "room code contains invalid character %q", ch)
		}
	}
	return code, nil
}
