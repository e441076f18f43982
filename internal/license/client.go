// Package license is the License Manager Client (spec §4.6): a signed
// activation flow against an external LM, quota reserve/refund, and
// payload signing, with private key material held only via the Secret
// Broker. The HTTP client conventions (base URL normalization, timeout
// copy) follow the teacher's globalsigner client.
package license

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/epam/syndicate-rule-engine-sub001/internal/domain"
	"github.com/epam/syndicate-rule-engine-sub001/internal/errors"
	"github.com/epam/syndicate-rule-engine-sub001/internal/httputil"
	"github.com/epam/syndicate-rule-engine-sub001/internal/recordstore"
	"github.com/epam/syndicate-rule-engine-sub001/internal/secrets"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxBodySize = 1 << 20
	// activationRate caps outbound calls to the upstream marketplace
	// API, independent of how many tenants are activating concurrently.
	activationRate  = 5 // per second
	activationBurst = 10
)

// Client talks to the external License Manager marketplace API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	broker     *secrets.Broker
	store      *recordstore.Store
	limiter    *rate.Limiter
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

func New(cfg Config, broker *secrets.Broker, store *recordstore.Store) (*Client, error) {
	baseURL, _, err := httputil.NormalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("license: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httputil.CopyHTTPClientWithTimeout(cfg.HTTPClient, timeout, cfg.Timeout != 0),
		broker:     broker,
		store:      store,
		limiter:    rate.NewLimiter(activationRate, activationBurst),
	}, nil
}

// activationRequest/Response mirror the wire contract in spec §6:
// POST /marketplace/{product}/init.
type activationRequest struct {
	Document  string `json:"document"`
	Signature string `json:"signature"`
}

type activationResponse struct {
	Items []struct {
		CustomerName     string `json:"customer_name"`
		TenantLicenseKey string `json:"tenant_license_key"`
		PrivateKey       struct {
			KeyID     string `json:"key_id"`
			Algorithm string `json:"algorithm"`
			Value     string `json:"value"`
		} `json:"private_key"`
	} `json:"items"`
}

// Activate performs the signed activation handshake for product and
// seals the returned private key via the Secret Broker before any of
// it touches the record store.
func (c *Client) Activate(ctx context.Context, product string, document []byte, runtimeSignature []byte) (*domain.License, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Upstream("license-manager", err)
	}
	body, err := json.Marshal(activationRequest{
		Document:  base64.StdEncoding.EncodeToString(document),
		Signature: base64.StdEncoding.EncodeToString(runtimeSignature),
	})
	if err != nil {
		return nil, errors.Internal("license activation encode failed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/marketplace/"+product+"/init", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Internal("license activation request build failed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Upstream("license-manager", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Upstream("license-manager", fmt.Errorf("activation returned status %d", resp.StatusCode))
	}

	var parsed activationResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Upstream("license-manager", fmt.Errorf("decode activation response: %w", err))
	}
	if len(parsed.Items) == 0 {
		return nil, errors.Upstream("license-manager", fmt.Errorf("activation returned no items"))
	}
	item := parsed.Items[0]

	keyBytes, err := base64.StdEncoding.DecodeString(item.PrivateKey.Value)
	if err != nil {
		return nil, errors.Internal("license private key decode failed", err)
	}
	secretRef, err := c.broker.Seal(ctx, keyBytes)
	if err != nil {
		return nil, err
	}

	lic := &domain.License{
		LicenseKey: item.TenantLicenseKey,
		SigningKey: domain.SigningKey{
			KeyID:     item.PrivateKey.KeyID,
			Algorithm: item.PrivateKey.Algorithm,
			SecretRef: secretRef,
		},
		TenantActivations: make(map[string]struct{}),
	}
	if err := c.store.Licenses.Create(ctx, lic.LicenseKey, lic); err != nil {
		return nil, err
	}
	return lic, nil
}

// CheckQuota reports whether license has at least one remaining job
// reservation for the current period, and how many remain, without
// mutating state (Testable Property 3: active reservations stay
// bounded by quota_per_period).
func (c *Client) CheckQuota(ctx context.Context, licenseKey string) (ok bool, remaining int, err error) {
	lic, getErr := c.store.Licenses.Get(ctx, licenseKey)
	if getErr != nil {
		return false, 0, getErr
	}
	if !lic.Usable(time.Now()) {
		return false, 0, errors.LicenseExpired(licenseKey)
	}
	return lic.JobQuotaPeriod > 0, lic.JobQuotaPeriod, nil
}

// Reserve decrements the license's per-period job quota by one unit,
// ahead of job admission (spec §4.6, §4.8 step 3). The caller must
// call Refund if admission subsequently fails.
func (c *Client) Reserve(ctx context.Context, licenseKey string) error {
	lic, err := c.store.Licenses.Get(ctx, licenseKey)
	if err != nil {
		return err
	}
	if !lic.Usable(time.Now()) {
		return errors.LicenseExpired(licenseKey)
	}
	if lic.JobQuotaPeriod <= 0 {
		return errors.LicenseQuota(licenseKey)
	}
	lic.JobQuotaPeriod--
	return c.store.Licenses.Update(ctx, licenseKey, lic)
}

// Refund returns one unit of job quota to the license. It is not
// idempotent: every call adds one unit, and nothing records which
// reservation a refund belongs to.
func (c *Client) Refund(ctx context.Context, licenseKey string) error {
	lic, err := c.store.Licenses.Get(ctx, licenseKey)
	if err != nil {
		return err
	}
	lic.JobQuotaPeriod++
	return c.store.Licenses.Update(ctx, licenseKey, lic)
}

// CheckRuleQuota reports whether ruleCount distinct rule IDs fit
// within the license's rule quota (spec §3's "rule quota" attribute,
// distinct from the per-period job quota above). A zero RuleQuota
// means unbounded.
func (c *Client) CheckRuleQuota(ctx context.Context, licenseKey string, ruleCount int) error {
	lic, err := c.store.Licenses.Get(ctx, licenseKey)
	if err != nil {
		return err
	}
	if lic.RuleQuota > 0 && ruleCount > lic.RuleQuota {
		return errors.LicenseQuota(licenseKey)
	}
	return nil
}

// Sign signs payload with the license's private key, unsealed from the
// Secret Broker only for the duration of the call.
func (c *Client) Sign(ctx context.Context, licenseKey string, payload []byte) ([]byte, error) {
	lic, err := c.store.Licenses.Get(ctx, licenseKey)
	if err != nil {
		return nil, err
	}
	keyBytes, err := c.broker.Unseal(ctx, lic.SigningKey.SecretRef)
	if err != nil {
		return nil, err
	}
	defer zero(keyBytes)

	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, errors.Internal("license signing key has unexpected size", nil)
	}
	return ed25519.Sign(ed25519.PrivateKey(keyBytes), payload), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
