package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// LocalBackend is the AES-256-GCM Backend for development: refs are
// random opaque ids, ciphertext lives in an in-memory map.
// cmd/ruleengine selects it whenever no Vault address is configured;
// no check of the deployment environment restricts it to development.
type LocalBackend struct {
	mu     sync.RWMutex
	aead   cipher.AEAD
	values map[string][]byte
}

// NewLocalBackend derives an AEAD from rawKey, which must be 32 raw
// bytes or 64 hex characters (optionally "0x"-prefixed), matching the
// master-key convention the teacher's secrets manager used.
func NewLocalBackend(rawKey []byte) (*LocalBackend, error) {
	key, err := normalizeMasterKey(rawKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &LocalBackend{aead: aead, values: make(map[string][]byte)}, nil
}

func (l *LocalBackend) Seal(ctx context.Context, plaintext []byte) (string, error) {
	nonce := make([]byte, l.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := l.aead.Seal(nonce, nonce, plaintext, nil)
	ref := "local:" + uuid.NewString()
	l.mu.Lock()
	l.values[ref] = ciphertext
	l.mu.Unlock()
	return ref, nil
}

func (l *LocalBackend) Unseal(ctx context.Context, ref string) ([]byte, error) {
	l.mu.RLock()
	raw, ok := l.values[ref]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("secrets: ref %q not found", ref)
	}
	nonceSize := l.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, fmt.Errorf("secrets: ciphertext too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	return l.aead.Open(nil, nonce, ciphertext, nil)
}

func (l *LocalBackend) Rotate(ctx context.Context, ref string) (string, error) {
	plain, err := l.Unseal(ctx, ref)
	if err != nil {
		return "", err
	}
	newRef, err := l.Seal(ctx, plain)
	if err != nil {
		return "", err
	}
	_ = l.Forget(ctx, ref)
	return newRef, nil
}

func (l *LocalBackend) Forget(ctx context.Context, ref string) error {
	l.mu.Lock()
	delete(l.values, ref)
	l.mu.Unlock()
	return nil
}

func normalizeMasterKey(raw []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return nil, fmt.Errorf("secrets: master key is required")
	}
	if isHex(trimmed) {
		decoded, err := hex.DecodeString(trimmed)
		if err == nil && len(decoded) == 32 {
			return decoded, nil
		}
	}
	if len(trimmed) == 32 {
		return []byte(trimmed), nil
	}
	return nil, fmt.Errorf("secrets: master key must be 32 bytes (or 64 hex chars)")
}

func isHex(value string) bool {
	if value == "" {
		return false
	}
	for _, c := range value {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
