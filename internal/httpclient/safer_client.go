// Package httpclient provides a hardened *http.Client wrapper shared by
// the job API client and the upload transport.
package httpclient

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/corelms/importpipe/errors"
)

// SaferClient wraps http.Client with URL validation and a redirect cap.
// Presigned storage URLs come from the backend response body, so every
// request target is validated before bytes are sent to it.
type SaferClient struct {
	*http.Client
	allowedSchemes []string
	maxRedirects   int
}

// SaferClientOptions allows customization of the validation policy
type SaferClientOptions struct {
	AllowedSchemes []string // Default: ["http", "https"]
	MaxRedirects   *int     // Default: 3
}

// NewSaferClient creates an HTTP client with default validation.
// A zero timeout means no client-side deadline (streaming uploads of
// large archives set their own cancellation via context).
func NewSaferClient(timeout time.Duration) *SaferClient {
	return NewSaferClientWithOptions(timeout, SaferClientOptions{})
}

// NewSaferClientWithOptions creates an HTTP client with custom validation options
func NewSaferClientWithOptions(timeout time.Duration, opts SaferClientOptions) *SaferClient {
	maxRedirects := 3
	if opts.MaxRedirects != nil {
		maxRedirects = *opts.MaxRedirects
	}

	allowedSchemes := []string{"http", "https"}
	if opts.AllowedSchemes != nil {
		allowedSchemes = opts.AllowedSchemes
	}

	client := &SaferClient{
		Client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		allowedSchemes: allowedSchemes,
		maxRedirects:   maxRedirects,
	}

	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= client.maxRedirects {
			return errors.Newf("stopped after %d redirects", client.maxRedirects)
		}
		if err := client.ValidateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	return client
}

// Do validates the request URL and then delegates to the embedded client.
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.ValidateURL(req.URL); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

// ValidateURL checks a URL against the client's policy before any bytes
// are sent to it.
func (c *SaferClient) ValidateURL(u *url.URL) error {
	if u == nil {
		return errors.New("nil URL")
	}

	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range c.allowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Newf("scheme %q not allowed (allowed: %v)", scheme, c.allowedSchemes)
	}

	if u.User != nil {
		// Credential injection or URL confusion: http://evil.com@host/
		return errors.New("URL contains userinfo")
	}

	if u.Hostname() == "" {
		return errors.New("URL has no host")
	}

	return nil
}
