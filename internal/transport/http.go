// Package transport provides the default TransportClient used by
// backend connections. The dispatch core is protocol-agnostic; this
// HTTP implementation is one pluggable choice.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"github.com/tahmidr/request-dispatcher/internal/errors"
)

// HTTPClient issues JSON-over-HTTP calls to backend addresses. Responses
// with failure status codes are mapped onto the dispatch taxonomy so the
// retry loop and resolver can branch on kind.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates an HTTPClient. HTTP/2 is negotiated when the
// backend supports it.
func NewHTTPClient(timeout time.Duration) (*HTTPClient, error) {
	tr := &http.Transport{
		MaxIdleConns:        128,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("configuring http2 transport: %w", err)
	}
	return &HTTPClient{
		client: &http.Client{Transport: tr, Timeout: timeout},
	}, nil
}

// Call implements domain.TransportClient. The method is used as the
// request path under the backend address; payloads are sent as POST
// bodies.
func (c *HTTPClient) Call(ctx context.Context, address, method string, payload []byte) ([]byte, error) {
	url := address
	if method != "" {
		url = address + "/" + method
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidationFailed, "transport", "building request").MarkNotRetried()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewTimeoutError("transport", ctx.Err())
		}
		return nil, errors.Wrap(err, errors.KindUnclassified, "transport", err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnclassified, "transport", "reading response body")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, classifyStatus(resp, body)
}

// classifyStatus maps an HTTP failure status onto a failure kind. The
// Retry-After header, when present, is preserved for the rate-limit
// strategy.
func classifyStatus(resp *http.Response, body []byte) *errors.DispatchError {
	msg := fmt.Sprintf("backend returned %d: %s", resp.StatusCode, truncate(body, 256))

	var de *errors.DispatchError
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		de = errors.New(errors.KindRateLimited, "transport", msg)
		if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
			de = de.WithMetadata("retry_after", ra)
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		de = errors.New(errors.KindAuthFailed, "transport", msg)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		de = errors.New(errors.KindValidationFailed, "transport", msg)
	case http.StatusConflict:
		de = errors.New(errors.KindUpsertConflict, "transport", msg)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		de = errors.New(errors.KindNetworkTimeout, "transport", msg)
	case http.StatusServiceUnavailable, http.StatusInsufficientStorage:
		de = errors.New(errors.KindResourceExhausted, "transport", msg)
	default:
		de = errors.New(errors.KindUnclassified, "transport", msg)
	}
	return de.WithMetadata("status_code", resp.StatusCode)
}

// parseRetryAfter supports the delay-seconds form of the header, capped
// at one hour.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds <= 0 {
		return 0
	}
	d := time.Duration(seconds) * time.Second
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
