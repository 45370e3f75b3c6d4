package ledger

import (
	"encoding/hex"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Referencer derives the public reference of a transfer from its id.
type Referencer interface {
	Reference(id int64) string
}

// ReferenceSigner derives references with keyed BLAKE2b-256, so they cannot be
// guessed from sequential ids without the secret.
type ReferenceSigner struct {
	key []byte
}

// NewReferenceSigner builds a signer from the configured secret.
func NewReferenceSigner(secret string) (*ReferenceSigner, error) {
	if secret == "" {
		return nil, errors.New("ledger: reference secret required")
	}
	key := []byte(secret)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &ReferenceSigner{key: key}, nil
}

// Reference returns 64 uppercase hex characters.
func (s *ReferenceSigner) Reference(id int64) string {
	h, err := blake2b.New256(s.key)
	if err != nil {
		// key length is bounded in NewReferenceSigner
		panic(err)
	}
	_, _ = h.Write([]byte(strconv.FormatInt(id, 10)))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}
