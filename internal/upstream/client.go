// Package upstream fetches the abuse registry file from its hosting API and
// turns it into filtered records.
package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// ErrNotModified is returned when the registry file is unchanged since the
// last successful fetch.
var ErrNotModified = errors.New("upstream: not modified")

// maxResponseBytes bounds the registry envelope read into memory.
const maxResponseBytes = 32 << 20

// FetchError reports any failure to obtain a usable registry file.
type FetchError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type Config struct {
	SourceURL    string
	Token        string
	FilePath     string
	FilteredTags []string
	Timeout      time.Duration
}

type ClientInterface interface {
	FetchRecords(ctx context.Context) ([]AbuseRecord, error)
}

type Client struct {
	endpoint string
	tags     []string
	client   *http.Client
	logger   *slog.Logger

	mu   sync.Mutex
	etag string
}

var _ ClientInterface = (*Client)(nil)

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	endpoint, err := url.JoinPath(cfg.SourceURL, "contents", cfg.FilePath)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream source url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		endpoint: endpoint,
		tags:     cfg.FilteredTags,
		client: &http.Client{
			Timeout: timeout,
			Transport: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}),
				Base:   http.DefaultTransport,
			},
		},
		logger: logger.With("component", "upstream"),
	}, nil
}

// userAgent identifies this service to the registry host.
func userAgent() string {
	const (
		name       = "redlight"
		importPath = "github.com/lessucettes/redlight"
	)
	version := "unknown"
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Path == importPath && bi.Main.Version != "" {
		version = bi.Main.Version
	}
	return name + "/" + version
}

type envelope struct {
	Content  *string `json:"content"`
	Encoding string  `json:"encoding"`
}

// Fetch downloads the registry envelope and returns the decoded file.
// It returns ErrNotModified when the host answers 304 to a conditional request.
func (c *Client) Fetch(ctx context.Context) ([]byte, error) {
	raw, _, err := c.fetch(ctx)
	return raw, err
}

func (c *Client) fetch(ctx context.Context) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, "", &FetchError{Op: "request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent())

	c.mu.Lock()
	etag := c.etag
	c.mu.Unlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", &FetchError{Op: "get", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, "", ErrNotModified
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &FetchError{Op: "get", StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, "", &FetchError{Op: "read", Err: err}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, "", &FetchError{Op: "decode envelope", Err: err}
	}
	if env.Content == nil {
		return nil, "", &FetchError{Op: "decode envelope", Err: errors.New("missing content")}
	}
	if env.Encoding != "base64" {
		return nil, "", &FetchError{Op: "decode envelope", Err: fmt.Errorf("unsupported encoding %q", env.Encoding)}
	}

	// The hosting API wraps base64 content at fixed line widths.
	cleaned := strings.NewReplacer("\n", "", "\r", "").Replace(*env.Content)
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, "", &FetchError{Op: "decode content", Err: err}
	}
	return decoded, resp.Header.Get("ETag"), nil
}

// FetchRecords fetches and parses the registry. The ETag of a response is
// only remembered once its content parsed, so a bad file is refetched in full.
func (c *Client) FetchRecords(ctx context.Context) ([]AbuseRecord, error) {
	raw, etag, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	records, err := Parse(raw, c.tags)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.etag = etag
	c.mu.Unlock()

	c.logger.Debug("Fetched registry", "records", len(records), "bytes", len(raw))
	return records, nil
}
