package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"math/big"
	"strings"
)

const (
	// DefaultCodeLength matches the printed gift card code length.
	DefaultCodeLength = 12
	// DefaultCodeAlphabet is uppercase ASCII letters followed by digits.
	DefaultCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// CodeLookup checks whether a code is already assigned to an account.
type CodeLookup interface {
	CodeExists(ctx context.Context, code string) (bool, error)
}

// CodeGenerator draws random account codes until it finds an unused one.
type CodeGenerator struct {
	lookup   CodeLookup
	length   int
	alphabet string
	random   io.Reader
}

// NewCodeGenerator constructs a generator. Zero values fall back to the defaults.
func NewCodeGenerator(lookup CodeLookup, length int, alphabet string) *CodeGenerator {
	if length <= 0 {
		length = DefaultCodeLength
	}
	if alphabet == "" {
		alphabet = DefaultCodeAlphabet
	}
	return &CodeGenerator{lookup: lookup, length: length, alphabet: strings.ToUpper(alphabet), random: rand.Reader}
}

// Generate returns a code not present in the account store. It retries on
// collision until one is found or ctx is done.
func (g *CodeGenerator) Generate(ctx context.Context) (string, error) {
	if g == nil || g.lookup == nil {
		return "", errors.New("ledger: code generator not initialised")
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code, err := randomCode(g.random, g.length, g.alphabet)
		if err != nil {
			return "", err
		}
		exists, err := g.lookup.CodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
}

func randomCode(r io.Reader, length int, alphabet string) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(r, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}
