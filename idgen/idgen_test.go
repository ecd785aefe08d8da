package idgen

import (
	"strings"
	"testing"
)

func TestNew_LengthAndAlphabet(t *testing.T) {
	t.Parallel()
	for i := 0; i < 1000; i++ {
		id, err := New()
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if len(id) != Length {
			t.Fatalf("len(%q) = %d, want %d", id, len(id), Length)
		}
		for _, c := range id {
			if !strings.ContainsRune(Alphabet, c) {
				t.Fatalf("id %q contains out-of-alphabet rune %q", id, c)
			}
		}
	}
}

func TestNew_Uniqueness(t *testing.T) {
	t.Parallel()
	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		id, err := New()
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if seen[id] {
			t.Fatalf("collision at id %q after %d draws", id, i)
		}
		seen[id] = true
	}
}

// TestNew_UniformDistribution samples enough IDs that every alphabet
// character should appear within +/-10% of the expected uniform count,
// per spec.md §8's testable property.
func TestNew_UniformDistribution(t *testing.T) {
	const samples = 62_000
	counts := make(map[rune]int, alphabetSize)
	for i := 0; i < samples; i++ {
		id, err := New()
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		for _, c := range id {
			counts[c]++
		}
	}

	total := samples * Length
	expected := float64(total) / float64(alphabetSize)
	tolerance := expected * 0.10

	for _, c := range Alphabet {
		got := float64(counts[c])
		if got < expected-tolerance || got > expected+tolerance {
			t.Fatalf("char %q appeared %v times, want within 10%% of %v", c, got, expected)
		}
	}
}
