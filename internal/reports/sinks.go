package reports

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/epam/syndicate-rule-engine-sub001/internal/domain"
	"github.com/epam/syndicate-rule-engine-sub001/internal/httputil"
)

// HTTPSink pushes a report payload via a token-authenticated POST, the
// shape shared by DefectDojo, Security Hub, and Chronicle integrations;
// only the base URL, path, auth header name, and token format differ.
type HTTPSink struct {
	name       string
	baseURL    string
	path       string
	authHeader string
	token      string
	client     *http.Client
}

func newHTTPSink(name, baseURL, path, authHeader, token string) (*HTTPSink, error) {
	normalized, _, err := httputil.NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%s sink: %w", name, err)
	}
	return &HTTPSink{
		name:       name,
		baseURL:    normalized,
		path:       path,
		authHeader: authHeader,
		token:      token,
		client:     httputil.CopyHTTPClientWithTimeout(nil, 30*time.Second, true),
	}, nil
}

func (h *HTTPSink) Name() string { return h.name }

func (h *HTTPSink) Push(ctx context.Context, reportType domain.ReportType, entity string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+h.path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", h.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set(h.authHeader, h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		// Never include h.token in the error text.
		return fmt.Errorf("%s: request failed: %w", h.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: push returned status %d", h.name, resp.StatusCode)
	}
	return nil
}

// NewDefectDojoSink builds a Sink targeting a DefectDojo import-scan endpoint.
func NewDefectDojoSink(baseURL, apiKey string) (*HTTPSink, error) {
	return newHTTPSink("defectdojo", baseURL, "/api/v2/import-scan/", "Authorization", "Token "+apiKey)
}

// NewSecurityHubSink builds a Sink targeting an AWS Security Hub findings-import proxy.
func NewSecurityHubSink(baseURL, apiKey string) (*HTTPSink, error) {
	return newHTTPSink("security-hub", baseURL, "/findings/import", "X-Api-Key", apiKey)
}

// NewChronicleSink builds a Sink targeting a Chronicle unstructured-log-entries ingestion endpoint.
func NewChronicleSink(baseURL, apiKey string) (*HTTPSink, error) {
	return newHTTPSink("chronicle", baseURL, "/v2/unstructuredlogentries:batchCreate", "X-Goog-Api-Key", apiKey)
}
