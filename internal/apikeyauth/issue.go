package apikeyauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// keyBytes is the size of the random secret portion of a generated key,
// before base64 encoding.
const keyBytes = 32

// Issued is a freshly minted API key. Plaintext is returned to the caller
// exactly once and is never persisted; only Hash is stored.
type Issued struct {
	ID        string
	Plaintext string
	Prefix    string
	Hash      string
}

// GenerateKey mints a new random API key and its bcrypt hash. Prefix is
// the first 12 characters of the key (the "pyo_" marker plus 8 characters
// of the secret), stored alongside the hash so an
// admin can identify a key in listings without ever seeing the full
// secret again.
func GenerateKey() (Issued, error) {
	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		return Issued{}, fmt.Errorf("generate API key entropy: %w", err)
	}
	secret := "pyo_" + base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return Issued{}, fmt.Errorf("hash API key: %w", err)
	}

	prefix := secret
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}

	return Issued{
		ID:        uuid.NewString(),
		Plaintext: secret,
		Prefix:    prefix,
		Hash:      string(hash),
	}, nil
}
