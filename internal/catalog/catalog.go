// Package catalog looks up the characters the voice service can impersonate.
//
// The list is fetched once from GET /api/characters. When the request fails
// or the service returns no characters, the built-in defaults are used so a
// call can still be started.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/voicelink/internal/resilience"
)

// DefaultPath is the catalog endpoint path.
const DefaultPath = "/api/characters"

const (
	defaultTimeout = 10 * time.Second

	// maxBody caps the catalog response size.
	maxBody = 1 << 20
)

// DefaultCharacters is the fallback list.
var DefaultCharacters = []string{"Maya", "Miles"}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. The default client is
// instrumented with OpenTelemetry.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithBreaker replaces the circuit breaker guarding the catalog endpoint.
func WithBreaker(b *resilience.CircuitBreaker) Option {
	return func(cl *Client) { cl.breaker = b }
}

// WithPath overrides [DefaultPath].
func WithPath(path string) Option {
	return func(cl *Client) {
		if path != "" {
			cl.path = path
		}
	}
}

// Client fetches the character catalog.
type Client struct {
	baseURL string
	path    string
	http    *http.Client
	breaker *resilience.CircuitBreaker
}

// New returns a Client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		path:    DefaultPath,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   defaultTimeout,
		},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "catalog"}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// response is the wire shape of the catalog endpoint.
type response struct {
	Characters []string `json:"characters"`
}

// Characters returns the selectable characters. On any failure it returns a
// copy of [DefaultCharacters] together with the error, so callers can use
// the list and still report the problem. An empty list from the service is
// not an error. After repeated failures the endpoint is not contacted for a
// while and the error wraps [resilience.ErrCircuitOpen].
func (c *Client) Characters(ctx context.Context) ([]string, error) {
	var (
		names     []string
		cancelErr error
	)
	err := c.breaker.Execute(func() error {
		var err error
		names, err = c.fetch(ctx)
		if err != nil && ctx.Err() != nil {
			// A cancelled caller says nothing about the endpoint.
			cancelErr = err
			return nil
		}
		return err
	})
	if err == nil {
		err = cancelErr
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = fmt.Errorf("catalog: %w", err)
	}
	if err != nil {
		return slices.Clone(DefaultCharacters), err
	}
	if len(names) == 0 {
		return slices.Clone(DefaultCharacters), nil
	}
	return names, nil
}

func (c *Client) fetch(ctx context.Context) ([]string, error) {
	u, err := url.JoinPath(c.baseURL, c.path)
	if err != nil {
		return nil, fmt.Errorf("catalog: build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: get %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog: get %s: unexpected status %s", u, resp.Status)
	}

	var body response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&body); err != nil {
		return nil, fmt.Errorf("catalog: decode response: %w", err)
	}

	names := make([]string, 0, len(body.Characters))
	for _, n := range body.Characters {
		if n = strings.TrimSpace(n); n != "" && !slices.Contains(names, n) {
			names = append(names, n)
		}
	}
	return names, nil
}
