package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	sealPrefix        = "$sealed$v=1$"
	defaultMemory     = 64 * 1024
	defaultIterations = 3
	defaultThreads    = 1
	defaultSaltLength = 16
	keyLength         = 32
	nonceLength       = 24
)

var ErrSealMismatch = errors.New("sealed token does not open with this secret")

// Sealer encrypts the persisted token with a key derived from a
// user-supplied secret. A nil Sealer passes values through untouched.
type Sealer struct {
	secret []byte
}

func NewSealer(secret string) *Sealer {
	if secret == "" {
		return nil
	}
	return &Sealer{secret: []byte(secret)}
}

func (s *Sealer) deriveKey(salt []byte) *[keyLength]byte {
	var key [keyLength]byte
	copy(key[:], argon2.IDKey(s.secret, salt, defaultIterations, defaultMemory, defaultThreads, keyLength))
	return &key
}

// Seal returns "$sealed$v=1$<salt>$<nonce||box>" with raw base64 parts.
func (s *Sealer) Seal(plain string) (string, error) {
	if s == nil || plain == "" {
		return plain, nil
	}
	salt := make([]byte, defaultSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	var nonce [nonceLength]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plain), &nonce, s.deriveKey(salt))
	return sealPrefix +
		base64.RawStdEncoding.EncodeToString(salt) + "$" +
		base64.RawStdEncoding.EncodeToString(box), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as-is so
// a token stored before a secret was configured still loads.
func (s *Sealer) Open(stored string) (string, error) {
	if !IsSealed(stored) {
		return stored, nil
	}
	if s == nil {
		return "", fmt.Errorf("%w: no secret configured", ErrSealMismatch)
	}
	parts := strings.Split(strings.TrimPrefix(stored, sealPrefix), "$")
	if len(parts) != 2 {
		return "", errors.New("invalid sealed token format")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errors.New("invalid sealed token salt")
	}
	box, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil || len(box) < nonceLength+secretbox.Overhead {
		return "", errors.New("invalid sealed token body")
	}
	var nonce [nonceLength]byte
	copy(nonce[:], box[:nonceLength])
	plain, ok := secretbox.Open(nil, box[nonceLength:], &nonce, s.deriveKey(salt))
	if !ok {
		return "", ErrSealMismatch
	}
	return string(plain), nil
}

func IsSealed(stored string) bool {
	return strings.HasPrefix(stored, sealPrefix)
}
