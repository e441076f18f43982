package secrets

import (
	"context"
	"testing"
)

func TestLocalBackendSealUnseal(t *testing.T) {
	b, err := NewLocalBackend([]byte("01234567890123456789012345678901"))
	if err != nil {
		t.Fatalf("NewLocalBackend() error = %v", err)
	}
	ctx := context.Background()

	ref, err := b.Seal(ctx, []byte("top-secret"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	got, err := b.Unseal(ctx, ref)
	if err != nil {
		t.Fatalf("Unseal() error = %v", err)
	}
	if string(got) != "top-secret" {
		t.Fatalf("Unseal() = %q, want top-secret", got)
	}
}

func TestLocalBackendRotateInvalidatesOldRef(t *testing.T) {
	b, _ := NewLocalBackend([]byte("01234567890123456789012345678901"))
	ctx := context.Background()

	ref, _ := b.Seal(ctx, []byte("value"))
	newRef, err := b.Rotate(ctx, ref)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if _, err := b.Unseal(ctx, ref); err == nil {
		t.Fatalf("expected old ref to be invalid after rotate")
	}
	got, err := b.Unseal(ctx, newRef)
	if err != nil || string(got) != "value" {
		t.Fatalf("Unseal(newRef) = %q, %v", got, err)
	}
}

func TestLocalBackendForget(t *testing.T) {
	b, _ := NewLocalBackend([]byte("01234567890123456789012345678901"))
	ctx := context.Background()

	ref, _ := b.Seal(ctx, []byte("value"))
	if err := b.Forget(ctx, ref); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if _, err := b.Unseal(ctx, ref); err == nil {
		t.Fatalf("expected Unseal to fail after Forget")
	}
}
