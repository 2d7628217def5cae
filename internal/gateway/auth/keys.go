// Package auth issues, verifies and revokes API keys.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	keyPrefix       = "cfx_"
	keyRandomLength = 32
	// displayed prefix: "cfx_" plus the first four random characters
	displayPrefixLength = len(keyPrefix) + 4

	labelMaxLength = 64
	keyMinLength   = 8
	keyMaxLength   = 200
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var (
	keyCharset   = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)
	labelCharset = regexp.MustCompile(`^[\p{L}\p{N} _.\-]+$`)
)

// KeyRules validate the shape of a presented bearer key before any lookup
func KeyRules() []validation.Rule {
	return []validation.Rule{
		validation.Required,
		validation.Length(keyMinLength, keyMaxLength),
		validation.Match(keyCharset),
	}
}

// LabelRules validate the optional key label
func LabelRules() []validation.Rule {
	return []validation.Rule{
		validation.Length(1, labelMaxLength),
		validation.Match(labelCharset).Error("must contain only letters, digits, spaces, dots, dashes and underscores"),
	}
}

// CreateKeyRequest is the body of POST /api/keys
type CreateKeyRequest struct {
	Label string `json:"label"`
}

func (r CreateKeyRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Label, LabelRules()...),
	)
}

// HashKey returns the stored form of a raw key
func HashKey(salt, raw string) string {
	sum := sha256.Sum256([]byte(salt + raw))
	return hex.EncodeToString(sum[:])
}

// GenerateKey returns a new raw key and its display prefix
func GenerateKey() (raw, prefix string, err error) {
	buf := make([]byte, keyRandomLength)
	max := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", "", fmt.Errorf("generating key: %w", err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	raw = keyPrefix + string(buf)
	return raw, DisplayPrefix(raw), nil
}

// DisplayPrefix is the part of a key safe to show after creation
func DisplayPrefix(raw string) string {
	if len(raw) <= displayPrefixLength {
		return raw
	}
	return raw[:displayPrefixLength]
}
