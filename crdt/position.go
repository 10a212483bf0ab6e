package crdt

import (
	"fmt"
	"strings"
)

// Position keys order list children. A key is a non-empty string of base-62
// digits compared bytewise; it never ends with the lowest digit, which is
// what guarantees a key strictly between any two keys can be generated.
const digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const base = len(digits)

func digitValue(c byte) int {
	return strings.IndexByte(digits, c)
}

// ValidPosition reports whether key is a well-formed position key.
func ValidPosition(key string) bool {
	if key == "" || key[len(key)-1] == digits[0] {
		return false
	}
	for i := 0; i < len(key); i++ {
		if digitValue(key[i]) < 0 {
			return false
		}
	}
	return true
}

// Between returns a key strictly greater than lo and strictly less than hi.
// An empty lo means "before everything"; an empty hi means "after
// everything".
func Between(lo, hi string) (string, error) {
	if lo != "" && !ValidPosition(lo) {
		return "", fmt.Errorf("invalid position %q", lo)
	}
	if hi != "" && !ValidPosition(hi) {
		return "", fmt.Errorf("invalid position %q", hi)
	}
	if lo != "" && hi != "" && lo >= hi {
		return "", fmt.Errorf("position %q is not below %q", lo, hi)
	}
	return midpoint(lo, hi), nil
}

// After returns a key greater than key.
func After(key string) string {
	p, _ := Between(key, "")
	return p
}

// Before returns a key smaller than key.
func Before(key string) string {
	p, _ := Between("", key)
	return p
}

// midpoint assumes lo < hi (hi == "" meaning +inf) and both are valid.
func midpoint(lo, hi string) string {
	if hi != "" {
		// Strip the common prefix, padding lo with the lowest digit.
		n := 0
		for n < len(hi) && digitAt(lo, n) == hi[n] {
			n++
		}
		if n > 0 {
			rest := ""
			if n < len(lo) {
				rest = lo[n:]
			}
			return hi[:n] + midpoint(rest, hi[n:])
		}
	}

	dLo := 0
	if lo != "" {
		dLo = digitValue(lo[0])
	}
	dHi := base
	if hi != "" {
		dHi = digitValue(hi[0])
	}
	if dHi-dLo > 1 {
		return string(digits[(dLo+dHi+1)/2])
	}
	// The first digits are consecutive.
	if len(hi) > 1 {
		return hi[:1]
	}
	rest := ""
	if len(lo) > 1 {
		rest = lo[1:]
	}
	return string(digits[dLo]) + midpoint(rest, "")
}

func digitAt(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return digits[0]
}
