// Package auth implements the PBKDF2-SHA256 password scheme used by the
// dashboard's HTTP basic authentication. Encoded hashes travel in config;
// verification compares digests in constant time.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Sentinel errors.
var (
	ErrMalformedHash  = errors.New("malformed password hash")
	ErrWeakIterations = errors.New("iteration count below minimum")
)

// scheme is the identifier leading every encoded hash.
const scheme = "pbkdf2-sha256"

// MinIterations is the lowest acceptable PBKDF2 iteration count.
const MinIterations = 600_000

// Key and salt sizes in bytes.
const (
	saltSize   = 16
	digestSize = 32
)

// encodedParts is the number of '$'-separated fields in an encoded hash.
const encodedParts = 4

// PasswordHash is a parsed PBKDF2-SHA256 password hash.
type PasswordHash struct {
	Iterations int
	Salt       []byte
	Digest     []byte
}

// ParseHash parses an encoded hash of the form
// "pbkdf2-sha256$<iterations>$<salt b64>$<digest b64>".
// Hashes with fewer than MinIterations iterations are rejected.
func ParseHash(encoded string) (PasswordHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != encodedParts || parts[0] != scheme {
		return PasswordHash{}, ErrMalformedHash
	}

	iterations, iterErr := strconv.Atoi(parts[1])
	if iterErr != nil {
		return PasswordHash{}, fmt.Errorf("%w: bad iteration count", ErrMalformedHash)
	}

	if iterations < MinIterations {
		return PasswordHash{}, fmt.Errorf("%w: %d < %d", ErrWeakIterations, iterations, MinIterations)
	}

	salt, saltErr := base64.RawStdEncoding.DecodeString(parts[2])
	if saltErr != nil {
		return PasswordHash{}, fmt.Errorf("%w: bad salt encoding", ErrMalformedHash)
	}

	digest, digestErr := base64.RawStdEncoding.DecodeString(parts[3])
	if digestErr != nil {
		return PasswordHash{}, fmt.Errorf("%w: bad digest encoding", ErrMalformedHash)
	}

	return PasswordHash{Iterations: iterations, Salt: salt, Digest: digest}, nil
}

// Verify reports whether password matches the stored hash. The digest
// comparison is constant-time.
func (h PasswordHash) Verify(password string) bool {
	derived := pbkdf2.Key([]byte(password), h.Salt, h.Iterations, len(h.Digest), sha256.New)

	return subtle.ConstantTimeCompare(derived, h.Digest) == 1
}

// HashPassword derives a fresh salted hash for password and returns the
// encoded form. Iterations below MinIterations are rejected.
func HashPassword(password string, iterations int) (string, error) {
	if iterations < MinIterations {
		return "", fmt.Errorf("%w: %d < %d", ErrWeakIterations, iterations, MinIterations)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	digest := pbkdf2.Key([]byte(password), salt, iterations, digestSize, sha256.New)

	encoded := strings.Join([]string{
		scheme,
		strconv.Itoa(iterations),
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest),
	}, "$")

	return encoded, nil
}
