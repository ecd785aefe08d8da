// Package idgen produces uniformly distributed random identifiers for
// secret cells via rejection sampling over crypto/rand.
package idgen

import (
	"crypto/rand"
	"fmt"
)

// Alphabet is the 62-character set IDs are drawn from: no ambiguity
// reduction, no exclusions.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Length is the fixed length of a generated ID.
const Length = 16

// alphabetSize is len(Alphabet); cutoff is the largest multiple of
// alphabetSize that fits in a byte. Any random byte >= cutoff is rejected
// and redrawn so that byte % alphabetSize is exactly uniform over
// [0, alphabetSize) — naive modulo without rejection would bias the
// low end of the alphabet.
const (
	alphabetSize = len(Alphabet)
	cutoff       = 256 - (256 % alphabetSize) // 248 for alphabetSize=62
)

// New returns a new 16-character ID drawn uniformly from Alphabet.
// Entropy is log2(62^16) ≈ 95.27 bits.
func New() (string, error) {
	out := make([]byte, Length)
	buf := make([]byte, 1)
	for i := 0; i < Length; i++ {
		for {
			if _, err := rand.Read(buf); err != nil {
				return "", fmt.Errorf("idgen: read random byte: %w", err)
			}
			b := buf[0]
			if int(b) >= cutoff {
				continue // rejection sample: redraw to avoid modulo bias
			}
			out[i] = Alphabet[int(b)%alphabetSize]
			break
		}
	}
	return string(out), nil
}

// MustNew is like New but panics on entropy-source failure. Intended for
// call sites that have already decided a failed crypto/rand.Read is fatal
// (e.g. process startup self-tests), not for request-serving paths.
func MustNew() string {
	id, err := New()
	if err != nil {
		panic(err)
	}
	return id
}
