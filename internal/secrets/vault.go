package secrets

import (
	"context"
	"encoding/base64"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/google/uuid"
)

// VaultBackend seals values into a Vault KV v2 mount. Refs are the KV
// path under the mount; Rotate writes a new version at a fresh path
// rather than relying on KV versioning, so a forgotten ref cannot be
// recovered via version history.
type VaultBackend struct {
	client    *vaultapi.Client
	mountPath string
}

// NewVaultBackend builds a backend against addr with the given token
// and KV v2 mount path (e.g. "secret").
func NewVaultBackend(addr, token, mountPath string) (*VaultBackend, error) {
	cfg := vaultapi.DefaultConfig()
	cfg.Address = addr
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(token)
	return &VaultBackend{client: client, mountPath: mountPath}, nil
}

func (v *VaultBackend) path(ref string) string {
	return fmt.Sprintf("%s/data/rule-engine/%s", v.mountPath, ref)
}

func (v *VaultBackend) Seal(ctx context.Context, plaintext []byte) (string, error) {
	ref := uuid.NewString()
	_, err := v.client.Logical().WriteWithContext(ctx, v.path(ref), map[string]interface{}{
		"data": map[string]interface{}{
			"value": base64.StdEncoding.EncodeToString(plaintext),
		},
	})
	if err != nil {
		return "", fmt.Errorf("vault write: %w", err)
	}
	return ref, nil
}

func (v *VaultBackend) Unseal(ctx context.Context, ref string) ([]byte, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.path(ref))
	if err != nil {
		return nil, fmt.Errorf("vault read: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault: ref %q not found", ref)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("vault: malformed secret at %q", ref)
	}
	encoded, ok := data["value"].(string)
	if !ok {
		return nil, fmt.Errorf("vault: malformed secret at %q", ref)
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func (v *VaultBackend) Rotate(ctx context.Context, ref string) (string, error) {
	plain, err := v.Unseal(ctx, ref)
	if err != nil {
		return "", err
	}
	newRef, err := v.Seal(ctx, plain)
	if err != nil {
		return "", err
	}
	_ = v.Forget(ctx, ref)
	return newRef, nil
}

func (v *VaultBackend) Forget(ctx context.Context, ref string) error {
	// Deleting the metadata path removes every version of the secret;
	// a delete on the data path would only soft-delete the latest one.
	_, err := v.client.Logical().DeleteWithContext(ctx, fmt.Sprintf("%s/metadata/rule-engine/%s", v.mountPath, ref))
	if err != nil {
		return fmt.Errorf("vault delete: %w", err)
	}
	return nil
}
