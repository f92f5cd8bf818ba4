package provider

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"relaybot/internal/retry"
)

const defaultHTTPTimeout = 120 * time.Second

// SharedHTTPClient returns an HTTP client with connection pooling. Use this
// instead of creating individual clients per provider.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// statusError classifies a non-200 API response for the retry executor.
// Rate limits, timeouts, and server errors are transient; everything else
// (bad request, auth failure) will not improve on retry and is marked
// permanent.
func statusError(name string, status int, body []byte) error {
	err := fmt.Errorf("%s returned %d: %s", name, status, body)
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return err
	default:
		return retry.Permanent(err)
	}
}
