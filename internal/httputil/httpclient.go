package httputil

import (
	"net/http"
	"time"
)

// CopyHTTPClientWithTimeout returns a shallow copy of base with its
// Timeout set, never mutating the caller-provided instance. If base is
// nil a fresh client is returned; if force is true the timeout is set
// even when base.Timeout is already non-zero.
func CopyHTTPClientWithTimeout(base *http.Client, timeout time.Duration, force bool) *http.Client {
	if base == nil {
		return &http.Client{Timeout: timeout}
	}
	copied := *base
	if copied.Timeout == 0 || force {
		copied.Timeout = timeout
	}
	return &copied
}

// ReadAllWithLimit reads up to limit bytes, reporting whether the body
// was truncated. Used to cap SIEM response/payload reads without
// risking memory exhaustion (spec §6: payload-size limits for SIEM push).
func ReadAllWithLimit(body []byte, limit int64) (data []byte, truncated bool) {
	if int64(len(body)) <= limit {
		return body, false
	}
	return body[:limit], true
}
