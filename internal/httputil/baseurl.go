// Package httputil holds small HTTP client conventions shared by every
// outbound HTTP integration: the License Manager client and report
// sinks. Adapted from the teacher's
// infrastructure/httputil package with the MarbleRun strict-identity
// enforcement dropped — this module has no attested-enclave notion of
// "strict mode".
package httputil

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeBaseURL trims whitespace, removes a trailing slash, and
// validates scheme/host, rejecting user info and query/fragment
// components in the base URL.
func NormalizeBaseURL(raw string) (string, *url.URL, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(raw), "/")
	if baseURL == "" {
		return "", nil, fmt.Errorf("base URL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", nil, fmt.Errorf("base URL must be a valid URL")
	}
	if parsed.User != nil {
		return "", nil, fmt.Errorf("base URL must not include user info")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", nil, fmt.Errorf("base URL scheme must be http or https")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", nil, fmt.Errorf("base URL must not include query or fragment")
	}
	return baseURL, parsed, nil
}
