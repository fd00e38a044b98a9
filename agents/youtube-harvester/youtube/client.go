package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"harvest-stack/internal/models"
	"harvest-stack/shared/config"

	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

var (
	// ErrQuotaExhausted means the API rejected the current developer key (HTTP 403)
	ErrQuotaExhausted = errors.New("developer key quota exhausted")
	// ErrNotFound means the API answered 404 for the request itself
	ErrNotFound = errors.New("resource not found")
	// ErrTransient covers rate limiting, server errors and timeouts
	ErrTransient = errors.New("transient API error")
	// ErrPermanent covers every other API failure
	ErrPermanent = errors.New("permanent API error")
)

const defaultCallTimeout = 30 * time.Second

// Client fetches one resource per call from the YouTube Data API, rotating
// through its credential pool whenever a key runs out of quota.
type Client struct {
	pool     *CredentialPool
	limiter  *rate.Limiter
	timeout  time.Duration
	endpoint string

	mu       sync.Mutex
	services map[int]*youtube.Service
}

func NewClient(cfg *config.YouTubeConfig, pool *CredentialPool) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	timeout := cfg.CallTimeout()
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	return &Client{
		pool:     pool,
		limiter:  rate.NewLimiter(limit, 1),
		timeout:  timeout,
		endpoint: cfg.Endpoint,
		services: make(map[int]*youtube.Service),
	}
}

// Pool returns the credential pool the client draws keys from
func (c *Client) Pool() *CredentialPool {
	return c.pool
}

// Fetch requests the given parts of a single video or channel. Quota errors
// rotate to the next key and retry the same id; the loop runs at most once
// per key plus one final check that reports ErrPoolExhausted. Any other error
// is returned unchanged in class and is not retried.
func (c *Client) Fetch(ctx context.Context, kind models.Kind, id string, parts []string) (*models.RawResult, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("failed to fetch %s %s: %w: unsupported kind", kind, id, ErrPermanent)
	}

	for attempt := 0; attempt <= c.pool.Len(); attempt++ {
		cred, err := c.pool.Current()
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s %s: %w", kind, id, err)
		}

		result, err := c.fetchOnce(ctx, cred, kind, id, parts)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrQuotaExhausted) {
			return nil, fmt.Errorf("failed to fetch %s %s: %w", kind, id, err)
		}

		log.Printf("Developer key %s rejected while fetching %s %s: %v", cred, kind, id, err)
		c.pool.MarkExhausted(cred)
	}

	return nil, fmt.Errorf("failed to fetch %s %s: %w", kind, id, ErrPoolExhausted)
}

func (c *Client) fetchOnce(ctx context.Context, cred Credential, kind models.Kind, id string, parts []string) (*models.RawResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	svc, err := c.service(cred)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPermanent, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Records come from the raw body; the typed response omits zero values
	capture := &rawBody{}
	callCtx = context.WithValue(callCtx, rawBodyKey{}, capture)

	switch kind {
	case models.KindVideo:
		_, err = svc.Videos.List(parts).Id(id).Context(callCtx).Do()
	case models.KindChannel:
		_, err = svc.Channels.List(parts).Id(id).Context(callCtx).Do()
	default:
		return nil, fmt.Errorf("%w: unsupported kind %q", ErrPermanent, kind)
	}
	if err != nil {
		return nil, classifyError(ctx, err)
	}

	items, err := decodeItems(capture.data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	return &models.RawResult{Kind: kind, ID: id, Items: items}, nil
}

// service returns the YouTube service bound to cred, creating it on first use
func (c *Client) service(cred Credential) (*youtube.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if svc, ok := c.services[cred.Index]; ok {
		return svc, nil
	}

	httpClient := &http.Client{Transport: &keyTransport{key: cred.Key, base: http.DefaultTransport}}
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}

	svc, err := youtube.NewService(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create YouTube service for key %s: %w", cred, err)
	}
	c.services[cred.Index] = svc
	return svc, nil
}

// classifyError maps an API failure onto the client's error taxonomy.
// Cancellation of the caller's context is passed through as-is.
func classifyError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrQuotaExhausted, err)
		case apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %w", ErrTransient, err)
		default:
			return fmt.Errorf("%w: %w", ErrPermanent, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: call timed out: %w", ErrTransient, err)
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

type rawBodyKey struct{}

// rawBody receives the body of a successful API response
type rawBody struct {
	data []byte
}

// keyTransport authenticates every request with a developer key and keeps a
// copy of successful response bodies for callers that asked for one.
type keyTransport struct {
	key  string
	base http.RoundTripper
}

func (t *keyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	q := req.URL.Query()
	q.Set("key", t.key)
	req.URL.RawQuery = q.Encode()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	capture, ok := req.Context().Value(rawBodyKey{}).(*rawBody)
	if !ok || resp.StatusCode != http.StatusOK {
		return resp, nil
	}

	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read API response: %w", err)
	}
	capture.data = data
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

// decodeItems extracts the items of a list response as generic JSON objects,
// keeping every field exactly as the API sent it.
func decodeItems(body []byte) ([]map[string]any, error) {
	if body == nil {
		return nil, errors.New("API response body was not captured")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var resp struct {
		Items []map[string]any `json:"items"`
	}
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode API response: %w", err)
	}
	if resp.Items == nil {
		resp.Items = []map[string]any{}
	}
	return resp.Items, nil
}
