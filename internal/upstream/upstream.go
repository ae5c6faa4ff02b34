package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"time"
)

// Adapter fetches a payload from one upstream data source. Implementations
// own their transport details; callers only see JSON out or an error.
type Adapter interface {
	Fetch(ctx context.Context, params url.Values) (json.RawMessage, error)
}

// Error describes an upstream fetch failure. Kind is a coarse category used
// for logging and metrics labels.
type Error struct {
	Endpoint string
	Kind     string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s: %s (status %d)", e.Endpoint, e.Kind, e.Status)
	}
	return fmt.Sprintf("upstream %s: %s: %v", e.Endpoint, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Endpoint is one priced upstream entry in the catalog.
type Endpoint struct {
	Name        string
	Price       float64
	Description string
	Namespace   string
	TTL         time.Duration
	Adapter     Adapter
}

// HTTPAdapter fetches JSON over plain GET, forwarding query parameters.
type HTTPAdapter struct {
	name    string
	baseURL string
	client  *http.Client
}

// maxResponseSize caps upstream payloads at 4 MB.
const maxResponseSize = 4 << 20

// NewHTTPAdapter creates an adapter for the given base URL. client may be nil,
// in which case a 10-second-timeout client is used.
func NewHTTPAdapter(name, baseURL string, client *http.Client) *HTTPAdapter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPAdapter{name: name, baseURL: baseURL, client: client}
}

func (a *HTTPAdapter) Fetch(ctx context.Context, params url.Values) (json.RawMessage, error) {
	target := a.baseURL
	if len(params) > 0 {
		sep := "?"
		if u, err := url.Parse(a.baseURL); err == nil && u.RawQuery != "" {
			sep = "&"
		}
		target += sep + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &Error{Endpoint: a.name, Kind: "bad_request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &Error{Endpoint: a.name, Kind: classifyError(err), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &Error{Endpoint: a.name, Kind: "read", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Endpoint: a.name, Kind: "status", Status: resp.StatusCode}
	}
	if !json.Valid(body) {
		return nil, &Error{Endpoint: a.name, Kind: "invalid_json", Err: errors.New("response is not valid JSON")}
	}
	return json.RawMessage(body), nil
}

// classifyError categorizes a transport error for metrics labels.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	return "other"
}

// Catalog holds the configured upstream endpoints keyed by name.
type Catalog struct {
	endpoints map[string]*Endpoint
}

// NewCatalog builds a catalog from the given endpoints.
func NewCatalog(endpoints []*Endpoint) *Catalog {
	m := make(map[string]*Endpoint, len(endpoints))
	for _, ep := range endpoints {
		m[ep.Name] = ep
	}
	return &Catalog{endpoints: m}
}

// Lookup returns the endpoint for name, or false if not configured.
func (c *Catalog) Lookup(name string) (*Endpoint, bool) {
	ep, ok := c.endpoints[name]
	return ep, ok
}

// Names returns the configured endpoint names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.endpoints))
	for name := range c.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
