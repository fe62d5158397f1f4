package verifier

import "strings"

// Verifier decides whether a program output matches the expected answer.
type Verifier interface {
	Compare(actual, expected string) bool
}

type verifier struct{}

// NewVerifier returns a verifier that ignores line feeds and compares the rest byte for byte.
// Carriage returns and other whitespace are significant.
func NewVerifier() Verifier {
	return verifier{}
}

func (verifier) Compare(actual, expected string) bool {
	return stripLineFeeds(actual) == stripLineFeeds(expected)
}

func stripLineFeeds(s string) string {
	return strings.ReplaceAll(s, "\n", "")
}
