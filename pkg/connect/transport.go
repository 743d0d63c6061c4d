package connect

import (
	"fmt"
	"net/http"

	"github.com/jkoelker/switchyard/pkg/upstream"
)

// authTransport turns 401 responses into errors wrapping
// upstream.ErrAuthenticationRequired.
type authTransport struct {
	base http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()

		return nil, fmt.Errorf("%w: %s %s returned 401 Unauthorized",
			upstream.ErrAuthenticationRequired, req.Method, req.URL.Redacted())
	}

	return resp, nil
}

// WithAuthDetection returns a copy of client whose transport reports
// rejected credentials as upstream.ErrAuthenticationRequired.
func WithAuthDetection(client *http.Client) *http.Client {
	if client == nil {
		client = http.DefaultClient
	}

	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	detecting := *client
	detecting.Transport = &authTransport{base: base}

	return &detecting
}
