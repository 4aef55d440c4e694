// Package auth provides credential primitives: API key minting and token claim decoding.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Key format: thk_{64 hex chars}
// Example: thk_4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b
const (
	KeyPrefix      = "thk"
	KeySecretBytes = 32 // 256 bits of entropy
	KeySecretLen   = KeySecretBytes * 2
	KeyLen         = len(KeyPrefix) + 1 + KeySecretLen

	// MaskSuffixLen is the number of trailing characters left visible in a masked key.
	MaskSuffixLen = 4
	// MaskChar replaces the hidden interior of a masked key.
	MaskChar = '*'
)

var (
	// ErrEmptyPepper indicates the hasher was built without a pepper.
	ErrEmptyPepper = errors.New("api key pepper must not be empty")

	keyFormatRegex = regexp.MustCompile(`^thk_[a-f0-9]{64}$`)
)

// GeneratedKey contains the parts of a newly generated API key.
type GeneratedKey struct {
	Plaintext string // Full key (show once only)
	Hash      string // Keyed digest for storage and lookup
	Masked    string // Display-safe form
}

// Hasher computes deterministic, peppered digests of API keys.
// The pepper is never persisted alongside the digests.
type Hasher struct {
	key []byte
}

// NewHasher derives a 32-byte BLAKE2b key from pepper.
func NewHasher(pepper string) (*Hasher, error) {
	if pepper == "" {
		return nil, ErrEmptyPepper
	}
	sum := blake2b.Sum256([]byte(pepper))
	return &Hasher{key: sum[:]}, nil
}

// Hash returns the hex-encoded keyed BLAKE2b-256 digest of plaintext.
func (h *Hasher) Hash(plaintext string) string {
	// New256 only fails for keys longer than 64 bytes.
	d, err := blake2b.New256(h.key)
	if err != nil {
		panic(fmt.Sprintf("blake2b: %v", err))
	}
	d.Write([]byte(plaintext))
	return hex.EncodeToString(d.Sum(nil))
}

// Generate creates a new API key.
// Returns the plaintext key (to show once), its digest (to store) and masked form (to display).
func (h *Hasher) Generate() (*GeneratedKey, error) {
	secretBytes := make([]byte, KeySecretBytes)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	plaintext := KeyPrefix + "_" + hex.EncodeToString(secretBytes)

	return &GeneratedKey{
		Plaintext: plaintext,
		Hash:      h.Hash(plaintext),
		Masked:    MaskKey(plaintext),
	}, nil
}

// MaskKey keeps the static prefix and a short suffix and masks everything in between.
// The masked interior always covers len(key) - prefix - suffix characters.
func MaskKey(key string) string {
	head := KeyPrefix + "_"
	if !strings.HasPrefix(key, head) || len(key) <= len(head)+MaskSuffixLen {
		return strings.Repeat(string(MaskChar), len(key))
	}

	interior := len(key) - len(head) - MaskSuffixLen
	return head + strings.Repeat(string(MaskChar), interior) + key[len(key)-MaskSuffixLen:]
}

// ValidateKeyFormat checks if the key matches the expected format.
func ValidateKeyFormat(key string) bool {
	return keyFormatRegex.MatchString(key)
}

// LooksLikeAPIKey reports whether a bearer credential is meant to be an API key
// rather than a session token.
func LooksLikeAPIKey(credential string) bool {
	return strings.HasPrefix(credential, KeyPrefix+"_")
}
