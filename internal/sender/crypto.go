package sender

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrNoCredentialKey indicates sealed credentials exist but no key is
// configured to open them.
var ErrNoCredentialKey = errors.New("credential key not configured")

// Keeper seals and opens sender service_config blobs with nacl secretbox.
// Credentials are stored sealed and opened only at send time; plaintext is
// never logged.
type Keeper struct {
	key    [32]byte
	hasKey bool
}

// NewKeeper creates a credential keeper. hasKey=false produces a keeper that
// rejects all seal/open calls, for deployments without provider credentials.
func NewKeeper(key [32]byte, hasKey bool) *Keeper {
	return &Keeper{key: key, hasKey: hasKey}
}

// Seal encrypts a service_config blob. The nonce is prepended to the output.
func (k *Keeper) Seal(plaintext []byte) ([]byte, error) {
	if !k.hasKey {
		return nil, ErrNoCredentialKey
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return secretbox.Seal(nonce[:], plaintext, &nonce, &k.key), nil
}

// Open decrypts a sealed service_config blob.
func (k *Keeper) Open(sealed []byte) ([]byte, error) {
	if !k.hasKey {
		return nil, ErrNoCredentialKey
	}
	if len(sealed) < 24 {
		return nil, fmt.Errorf("sealed blob too short")
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &k.key)
	if !ok {
		return nil, fmt.Errorf("credential decryption failed")
	}
	return plaintext, nil
}
