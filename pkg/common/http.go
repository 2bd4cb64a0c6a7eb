package common

import (
	"net/http"
	"time"
)

// Version is the reported engine version, overridable at build time via
// -ldflags "-X github.com/skogsmaskin/ecoguard-home-assistant/pkg/common.Version=...".
var Version = "dev"

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: "EcoGuardEngine/" + Version,
		},
		Timeout: timeout,
	}
}
