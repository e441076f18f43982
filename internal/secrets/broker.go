// Package secrets is the Secret Broker (spec §4.3): seal/unseal/rotate/
// forget over two backends, a local AES-256-GCM envelope for
// development and a HashiCorp Vault KV v2 mount for production. The
// AEAD scheme is adapted from the teacher's infrastructure/secrets
// manager; the interface shape (seal/unseal/rotate/forget instead of
// "get secret for service") is new to fit the spec's credential and
// signing-key sealing use cases.
package secrets

import (
	"context"

	"github.com/epam/syndicate-rule-engine-sub001/internal/errors"
)

// Backend seals and unseals opaque byte payloads behind a reference
// string. Callers never see raw key material; they hold a Ref and
// exchange it for plaintext only when actually needed (credential
// injection into a worker, signing a license activation).
type Backend interface {
	// Seal stores plaintext and returns an opaque reference.
	Seal(ctx context.Context, plaintext []byte) (ref string, err error)
	// Unseal returns the plaintext for a previously sealed reference.
	Unseal(ctx context.Context, ref string) ([]byte, error)
	// Rotate re-seals the value behind ref under fresh key material,
	// returning a new reference; the old reference becomes invalid.
	Rotate(ctx context.Context, ref string) (newRef string, err error)
	// Forget permanently deletes the sealed value.
	Forget(ctx context.Context, ref string) error
}

// Broker is the facade every component depends on; it never exposes
// which Backend is active.
type Broker struct {
	backend Backend
}

func New(backend Backend) *Broker {
	return &Broker{backend: backend}
}

func (b *Broker) Seal(ctx context.Context, plaintext []byte) (string, error) {
	ref, err := b.backend.Seal(ctx, plaintext)
	if err != nil {
		return "", errors.Upstream("secret-broker", err)
	}
	return ref, nil
}

func (b *Broker) Unseal(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, errors.Validation("ref", "must not be empty")
	}
	pt, err := b.backend.Unseal(ctx, ref)
	if err != nil {
		return nil, errors.Upstream("secret-broker", err)
	}
	return pt, nil
}

func (b *Broker) Rotate(ctx context.Context, ref string) (string, error) {
	newRef, err := b.backend.Rotate(ctx, ref)
	if err != nil {
		return "", errors.Upstream("secret-broker", err)
	}
	return newRef, nil
}

func (b *Broker) Forget(ctx context.Context, ref string) error {
	if err := b.backend.Forget(ctx, ref); err != nil {
		return errors.Upstream("secret-broker", err)
	}
	return nil
}
