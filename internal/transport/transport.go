// Package transport implements the device's server adapter: a single
// request primitive parameterized over method, path, headers, and body,
// with HTTP status codes mapped to the shared error taxonomy. The
// device core depends only on the Client interface; RoundTripper is the
// concrete net/http-backed implementation used in production and against
// the reference server.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/rendezvous-labs/rendezvous/internal/rverrors"
)

// Client is the server adapter contract the device core depends on.
type Client interface {
	Do(ctx context.Context, method, path string, headers map[string]string, body []byte) ([]byte, error)
}

// RoundTripper is a Client backed by net/http against a configured base URL.
type RoundTripper struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// New builds a RoundTripper posting to baseURL with the given request timeout.
func New(baseURL string, timeout time.Duration, logger zerolog.Logger) *RoundTripper {
	return &RoundTripper{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "transport").Logger(),
	}
}

// Do issues one request and maps the response to the error taxonomy. A 200
// with an empty body is returned as a nil byte slice, legal for operations
// expecting no payload; callers that require a body must check for nil
// themselves and surface no_data_in_response.
func (c *RoundTripper) Do(ctx context.Context, method, path string, headers map[string]string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, reader)
	if err != nil {
		return nil, rverrors.Wrap(rverrors.KindInvalidRequest, "build request", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("request failed")
		return nil, rverrors.Wrap(rverrors.KindNoResponse, "transport failure", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rverrors.Wrap(rverrors.KindNoResponse, "read response body", err)
	}

	if resp.StatusCode == http.StatusOK {
		if len(respBody) == 0 {
			return nil, nil
		}
		return respBody, nil
	}

	kind := rverrors.StatusToKind(resp.StatusCode)
	return nil, rverrors.New(kind, fmt.Sprintf("server returned status %d for %s", resp.StatusCode, path))
}
