// Package probe checks whether an endpoint serves content to the internet.
package probe

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Result is the outcome of one probe.
type Result struct {
	Host       string
	Port       int
	Open       bool
	StatusCode int
	Message    string
}

// Prober probes a host and port.
type Prober interface {
	Probe(ctx context.Context, host string, port int) Result
}

// HTTPProber issues GET / and treats any 2xx answer as open.
type HTTPProber struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPProber creates a prober. Redirects are not followed.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return NewHTTPProberWithTransport(timeout, http.DefaultTransport)
}

// NewHTTPProberWithTransport creates a prober over base.
func NewHTTPProberWithTransport(timeout time.Duration, base http.RoundTripper) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{
		client: &http.Client{
			Transport: otelhttp.NewTransport(base),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
	}
}

// URL returns the probed address for host and port.
func URL(host string, port int) string {
	scheme := "http"
	if port == 443 {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/", scheme, net.JoinHostPort(host, strconv.Itoa(port)))
}

// Probe performs the check. Transport failures yield a closed result.
func (p *HTTPProber) Probe(ctx context.Context, host string, port int) Result {
	res := Result{Host: host, Port: port}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, URL(host, port), nil)
	if err != nil {
		res.Message = err.Error()
		return res
	}

	resp, err := p.client.Do(req)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	res.StatusCode = resp.StatusCode
	res.Open = resp.StatusCode >= 200 && resp.StatusCode < 300
	res.Message = resp.Status
	return res
}
