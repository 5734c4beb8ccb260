package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/yairfalse/vigil/internal/facts"
)

// NewHTTPClient returns an instrumented client with a per-request timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   timeout,
	}
}

// getJSON decodes the response into out. A 404 returns false without error.
func getJSON(ctx context.Context, client *http.Client, rawURL string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("GET %s: unexpected status %s", rawURL, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return true, nil
}

// Provenance fetches scm-source documents published next to container images.
type Provenance struct {
	baseURL string
	client  *http.Client
}

// NewProvenance creates a provenance lookup rooted at baseURL.
func NewProvenance(baseURL string, client *http.Client) *Provenance {
	return &Provenance{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// SCMSource returns the document for source, absent on 404.
func (l *Provenance) SCMSource(ctx context.Context, source string) (facts.SCMSource, bool, error) {
	ref, ok := ParseImageRef(source)
	if !ok {
		return nil, false, fmt.Errorf("%w: %q", facts.ErrUnsupportedSource, source)
	}

	u := fmt.Sprintf("%s/%s/%s/scm-source.json", l.baseURL, ref.Repository, url.PathEscape(ref.Tag))

	var doc map[string]any
	found, err := getJSON(ctx, l.client, u, &doc)
	if err != nil || !found {
		return nil, false, err
	}

	scm := make(facts.SCMSource, len(doc))
	for k, v := range doc {
		if v == nil {
			continue
		}
		scm[k] = fmt.Sprint(v)
	}
	return scm, true, nil
}

// Registrations queries the application registry.
type Registrations struct {
	baseURL string
	client  *http.Client
}

// NewRegistrations creates a registry lookup rooted at baseURL.
func NewRegistrations(baseURL string, client *http.Client) *Registrations {
	return &Registrations{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Application returns the registration, absent on 404.
func (l *Registrations) Application(ctx context.Context, applicationID string) (facts.Registration, bool, error) {
	var reg facts.Registration
	found, err := getJSON(ctx, l.client, fmt.Sprintf("%s/apps/%s", l.baseURL, url.PathEscape(applicationID)), &reg)
	if err != nil || !found {
		return facts.Registration{}, false, err
	}
	if reg.ID == "" {
		reg.ID = applicationID
	}
	return reg, true, nil
}
