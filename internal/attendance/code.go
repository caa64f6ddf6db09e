package attendance

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"
)

const (
	minCodeLength = 4
	maxCodeLength = 9
)

// GenerateCode returns a numeric code of exactly length digits. The first
// digit is never zero so the code cannot lose a digit when handled as a number.
func GenerateCode(length int) (string, error) {
	if length < minCodeLength || length > maxCodeLength {
		return "", fmt.Errorf("code length %d outside [%d,%d]", length, minCodeLength, maxCodeLength)
	}
	low := pow10(length - 1)
	n, err := rand.Int(rand.Reader, big.NewInt(9*low))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n.Int64()+low), nil
}

func pow10(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}

// checkCodeFormat rejects codes that cannot possibly match.
func checkCodeFormat(code string, length int) error {
	if len(code) != length {
		return newError(KindValidation, "session code must be %d digits", length)
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return newError(KindValidation, "session code must be numeric")
		}
	}
	return nil
}

// CodeExpiry returns when the active code of s stops being accepted.
func CodeExpiry(s Session, p Policy) (time.Time, bool) {
	if s.Code == "" || s.CodeGeneratedAt == nil {
		return time.Time{}, false
	}
	p = p.normalize()
	exp := s.CodeGeneratedAt.Add(p.CodeTTL)
	if p.CodeSessionGrace > 0 && !s.EndsAt.IsZero() {
		if end := s.EndsAt.Add(p.CodeSessionGrace); end.Before(exp) {
			exp = end
		}
	}
	return exp, true
}

// ValidateCode checks submitted against the active code of s. It has no side
// effects.
func ValidateCode(s Session, submitted string, now time.Time, p Policy) error {
	exp, ok := CodeExpiry(s, p)
	if !ok {
		return newError(KindNoActiveCode, "session has no active code")
	}
	if subtle.ConstantTimeCompare([]byte(s.Code), []byte(submitted)) != 1 {
		return newError(KindCodeMismatch, "session code does not match")
	}
	if !now.Before(exp) {
		return newError(KindCodeExpired, "session code expired at %s", exp.UTC().Format(time.RFC3339))
	}
	return nil
}
