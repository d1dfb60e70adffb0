// Package postgrest implements the low-level Supabase REST client used by
// the document store. It only speaks the RPC surface: every call posts JSON
// to a Postgres function behind /rest/v1/rpc with the caller's JWT as the
// bearer credential, so row-level security scopes results server side.
package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"goa.design/clue/health"

	"github.com/trellishq/trellis/runtime/faults"
)

const (
	defaultTimeout = 20 * time.Second
	clientName     = "documents-supabase"
	maxErrorBody   = 256
)

// Client exposes the Supabase RPC transport.
type Client interface {
	health.Pinger

	// Call invokes the named Postgres function with a JSON payload and
	// decodes the JSON response into out when out is non-nil.
	Call(ctx context.Context, userToken, function string, payload, out any) error
}

// Options configures the REST client.
type Options struct {
	// BaseURL is the Supabase project URL (https://<ref>.supabase.co).
	BaseURL string

	// AnonKey is the project's anonymous API key, sent as the apikey header
	// on every request.
	AnonKey string

	// HTTPClient overrides the transport. When nil a client bounded by
	// Timeout is used.
	HTTPClient *http.Client

	// Timeout bounds each call when HTTPClient is nil. Zero selects the
	// default.
	Timeout time.Duration
}

type client struct {
	baseURL string
	anonKey string
	http    *http.Client
}

// New returns a Client for the given Supabase project.
func New(opts Options) (Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("trellis: supabase url is required")
	}
	if opts.AnonKey == "" {
		return nil, errors.New("trellis: supabase anon key is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &client{
		baseURL: strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		anonKey: opts.AnonKey,
		http:    httpClient,
	}, nil
}

func (c *client) Name() string {
	return clientName
}

// Ping probes the REST gateway root with the anon key. Auth and not-found
// responses still prove the gateway is reachable; only transport errors and
// server errors fail the probe.
func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rest/v1/", nil)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+c.anonKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return faults.Wrap(faults.KindBackendFailure, "supabase unreachable", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusUnauthorized, http.StatusNotFound:
		return nil
	}
	return faults.Newf(faults.KindBackendFailure, "supabase gateway returned %d", resp.StatusCode)
}

func (c *client) Call(ctx context.Context, userToken, function string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return faults.Wrap(faults.KindBackendFailure, "encode "+function+" payload", err)
	}
	endpoint := c.baseURL + "/rest/v1/rpc/" + function
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return faults.Wrap(faults.KindBackendFailure, "build "+function+" request", err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+userToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return faults.Wrap(faults.KindBackendFailure, function+" call failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return faults.Newf(faults.KindAuth, "%s rejected with status %d", function, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return faults.Newf(faults.KindBackendFailure, "%s returned status %d: %s",
			function, resp.StatusCode, errorDetail(resp.Body))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return faults.Wrap(faults.KindBackendFailure, function+" returned malformed JSON", err)
	}
	return nil
}

func errorDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	detail := string(bytes.TrimSpace(raw))
	if err != nil || detail == "" {
		return "no detail"
	}
	return detail
}
