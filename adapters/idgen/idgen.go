// Package idgen provides identifier and API key generation.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/artpar/apimeter/ports"
)

// UUID generates random UUIDs.
type UUID struct{}

// New returns a new UUID v4 string.
func (UUID) New() string {
	return uuid.NewString()
}

// Sequential generates predictable IDs for tests.
type Sequential struct {
	prefix string
	n      atomic.Uint64
}

// NewSequential returns a generator producing prefix1, prefix2, ...
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// New returns the next ID.
func (s *Sequential) New() string {
	return s.prefix + strconv.FormatUint(s.n.Add(1), 10)
}

// KeyPrefix marks subscriber API keys.
const KeyPrefix = "ak_"

var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Keys issues random subscriber API keys.
type Keys struct{}

// Generate returns a key with 160 bits of entropy.
func (Keys) Generate() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return KeyPrefix + strings.ToLower(keyEncoding.EncodeToString(b)), nil
}

var (
	_ ports.IDGenerator  = UUID{}
	_ ports.IDGenerator  = (*Sequential)(nil)
	_ ports.KeyGenerator = Keys{}
)
