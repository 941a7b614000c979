// Package hasher provides secret hashing implementations.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"

	"github.com/artpar/apimeter/ports"
)

// Bcrypt hashes operator secrets such as the billing trigger token.
type Bcrypt struct {
	cost int
}

// NewBcrypt creates a bcrypt hasher; out-of-range costs use the default.
func NewBcrypt(cost int) *Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{cost: cost}
}

// Hash generates a bcrypt hash from plaintext.
func (h *Bcrypt) Hash(plaintext string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
}

// Compare checks if plaintext matches hash.
func (h *Bcrypt) Compare(hash []byte, plaintext string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(plaintext)) == nil
}

// Fingerprint returns the lookup hash of a subscriber API key. Keys carry
// enough entropy that an unsalted SHA-256 is a safe index.
func Fingerprint(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

var _ ports.Hasher = (*Bcrypt)(nil)
