// Package token produces the opaque values embedded in attendance QR codes.
package token

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

const (
	// Alphabet is the symbol set tokens are drawn from.
	Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	// Length is the fixed token length; 16 base36 symbols carry ~82 bits.
	Length = 16
)

// ErrEntropy is returned when the random source cannot supply bytes.
var ErrEntropy = errors.New("token: entropy source failed")

// Generator draws tokens from a cryptographically strong source.
type Generator struct {
	src io.Reader
}

// NewGenerator returns a generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{src: rand.Reader}
}

// NewGeneratorFrom uses src as the random source. Intended for tests.
func NewGeneratorFrom(src io.Reader) *Generator {
	return &Generator{src: src}
}

// New returns a fresh token. It never falls back to a weaker source.
func (g *Generator) New() (string, error) {
	max := big.NewInt(int64(len(Alphabet)))
	var builder strings.Builder
	builder.Grow(Length)
	for i := 0; i < Length; i++ {
		n, err := rand.Int(g.src, max)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrEntropy, err)
		}
		builder.WriteByte(Alphabet[n.Int64()])
	}
	return builder.String(), nil
}

// Valid reports whether s has the shape of a generated token.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(Alphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
