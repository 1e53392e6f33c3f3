package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"oracle-consensus/internal/version"
)

// HTTPOptions configure a REST-backed provider.
type HTTPOptions struct {
	BaseURL      string
	FallbackURLs []string
	APIKey       string
	APIKeyHeader string
	Timeout      time.Duration
	UserAgent    string
}

func (o HTTPOptions) endpoints() []string {
	trimmed := make([]string, 0, len(o.FallbackURLs))
	for _, f := range o.FallbackURLs {
		trimmed = append(trimmed, strings.TrimRight(f, "/"))
	}
	return endpointList(strings.TrimRight(o.BaseURL, "/"), trimmed)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

type errorDecoder func(status int, payload []byte) error

func getJSON(ctx context.Context, client *http.Client, opts HTTPOptions, url string, decodeErr errorDecoder, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}
	if opts.APIKey != "" {
		header := opts.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, opts.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return decodeErr(resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// providerError renders a non-200 response using whichever message field the
// provider populated.
func providerError(provider string, status int, payload []byte, fields ...string) error {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err == nil {
		for _, f := range fields {
			if msg, ok := body[f].(string); ok && msg != "" {
				return fmt.Errorf("%s api error (%d): %s", provider, status, msg)
			}
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", provider, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", provider, status)
}
