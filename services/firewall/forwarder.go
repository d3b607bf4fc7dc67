package firewall

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Forwarder relays raw JSON-RPC payloads to the upstream endpoint and
// returns the response bytes untouched.
type Forwarder interface {
	Forward(ctx context.Context, payload []byte) ([]byte, error)
	Probe(ctx context.Context) error
}

// HTTPForwarder is the production Forwarder over plain HTTP POST.
type HTTPForwarder struct {
	endpoint string
	client   *http.Client
}

// NewHTTPForwarder constructs a forwarder for the upstream RPC URL.
// The per-request timeout is enforced through contexts, so the embedded
// client carries none of its own.
func NewHTTPForwarder(endpoint string) (*HTTPForwarder, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("firewall: upstream endpoint required")
	}
	return &HTTPForwarder{
		endpoint: trimmed,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Forward posts the payload upstream. Any transport failure or non-2xx
// status is a forwarding failure; JSON-RPC level errors travel inside a
// 200 body and are returned verbatim to the caller.
func (f *HTTPForwarder) Forward(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("firewall: build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("firewall: upstream request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("firewall: read upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("firewall: upstream status %d", resp.StatusCode)
	}
	return body, nil
}

// Probe issues a minimal request so readiness reflects upstream
// reachability. Any HTTP response counts; an RPC-level error for the
// probe method still proves the endpoint is alive.
func (f *HTTPForwarder) Probe(ctx context.Context) error {
	payload := []byte(`{"jsonrpc":"2.0","id":"aegis-probe","method":"web3_clientVersion","params":[]}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("firewall: build probe: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("firewall: upstream unreachable: %w", err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return nil
}
