// Package ident builds the canonical keys that identify concept pairs and
// classifier requests.
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

// MaxSafeInt is the largest integer that survives a round trip through a
// float64 without loss.
const MaxSafeInt = 1<<53 - 1

var strictInt = regexp.MustCompile(`^[+-]?\d+$`)

// MakePairID joins the normalized system and code of both sides with "|".
// Order matters: (A,B) and (B,A) are different pairs.
func MakePairID(systemA, codeA, systemB, codeB string) string {
	parts := []string{systemA, codeA, systemB, codeB}
	for i, p := range parts {
		parts[i] = strings.ToUpper(strings.TrimSpace(p))
	}
	return strings.Join(parts, "|")
}

// ParseStrictInt parses s as a base-10 integer with an optional sign. Decimal
// points, exponents, letters and magnitudes beyond MaxSafeInt are rejected.
func ParseStrictInt(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if !strictInt.MatchString(s) {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	if n > MaxSafeInt || n < -MaxSafeInt {
		return 0, false
	}
	return n, true
}

// PromptKeyFields are the inputs that determine a classifier prompt and its answer.
type PromptKeyFields struct {
	Model         string
	PairID        string
	ConceptA      string
	ConceptB      string
	Context       string
	PromptVersion string
}

// PromptKey returns the hex SHA-256 of the fields in fixed order. Each field
// is length-prefixed so no two distinct inputs share an encoding.
func PromptKey(f PromptKeyFields) string {
	h := sha256.New()
	for _, part := range []string{f.Model, f.PairID, f.ConceptA, f.ConceptB, f.Context, f.PromptVersion} {
		h.Write([]byte(strconv.Itoa(len(part))))
		h.Write([]byte{':'})
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
