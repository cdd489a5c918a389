package registry

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nidhogg/nuka-rag/internal/apperr"
)

// Secret resolves the provider's auth secret reference:
//
//	""          no auth header is sent
//	env:NAME    value of environment variable NAME (must be set)
//	enc:HEX     AES-256-GCM ciphertext sealed with NUKA_ENCRYPT_KEY
//	anything    used literally
func (p *Provider) Secret() (string, error) {
	ref := p.SecretRef
	switch {
	case ref == "":
		return "", nil
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		v := os.Getenv(name)
		if v == "" {
			return "", apperr.Configuration(fmt.Sprintf("secret %s for provider %s is not set", name, p.Name))
		}
		return v, nil
	case strings.HasPrefix(ref, "enc:"):
		ct, err := hex.DecodeString(strings.TrimPrefix(ref, "enc:"))
		if err != nil {
			return "", apperr.Configuration(fmt.Sprintf("decode secret for provider %s: %v", p.Name, err))
		}
		plain, err := Decrypt(ct)
		if err != nil {
			return "", apperr.Configuration(fmt.Sprintf("decrypt secret for provider %s: %v", p.Name, err))
		}
		return plain, nil
	default:
		return ref, nil
	}
}

// encryptKey returns the 32-byte AES key from NUKA_ENCRYPT_KEY env var.
func encryptKey() ([]byte, error) {
	keyHex := os.Getenv("NUKA_ENCRYPT_KEY")
	if keyHex == "" {
		return nil, fmt.Errorf("NUKA_ENCRYPT_KEY not set")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode NUKA_ENCRYPT_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("NUKA_ENCRYPT_KEY must be 64 hex chars (32 bytes), got %d bytes", len(key))
	}
	return key, nil
}

// Encrypt seals a provider secret so it can be stored as "enc:<hex>".
func Encrypt(plaintext string) ([]byte, error) {
	gcm, err := newGCM()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a secret sealed by Encrypt.
func Decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	gcm, err := newGCM()
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM() (cipher.AEAD, error) {
	key, err := encryptKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}
