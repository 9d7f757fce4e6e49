package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pulsekpi/pulse-engine/pkg/apperrors"
	"github.com/pulsekpi/pulse-engine/pkg/catalog"
	"github.com/pulsekpi/pulse-engine/pkg/models"
	"github.com/pulsekpi/pulse-engine/pkg/ratelimit"
	"github.com/pulsekpi/pulse-engine/pkg/retry"
	"github.com/pulsekpi/pulse-engine/pkg/telemetry"
)

// TokenSource supplies live credentials for a data source. The services
// package's TokenManager satisfies it.
type TokenSource interface {
	GetValidToken(ctx context.Context, ds *models.DataSource) (models.OAuthCredentials, error)
	ForceRefresh(ctx context.Context, ds *models.DataSource, staleToken string) (models.OAuthCredentials, error)
}

// Record is one synced API object, keyed by its provider ID.
type Record struct {
	ID   string
	Data map[string]any
}

// Client is the generic REST puller behind every connector. All service
// specifics (URLs, auth header, paging shape) come from the catalog
// descriptor, so one client serves all services. The client never makes a
// request without first taking a token from the per-service rate bucket.
type Client struct {
	http    *http.Client
	limits  *ratelimit.Registry
	tokens  TokenSource
	catalog *catalog.Catalog
	logger  *zap.Logger
}

func NewClient(httpClient *http.Client, limits *ratelimit.Registry, tokens TokenSource, cat *catalog.Catalog, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		http:    httpClient,
		limits:  limits,
		tokens:  tokens,
		catalog: cat,
		logger:  logger.Named("connector"),
	}
}

// FetchPages pulls every page of one resource and invokes sink after each
// page so callers can persist incrementally. It returns the total number of
// records fetched; on error, records already handed to sink stay persisted.
func (c *Client) FetchPages(ctx context.Context, ds *models.DataSource, res catalog.ResourceSpec, sink func(records []Record) error) (int, error) {
	desc, err := c.catalog.Resolve(ds)
	if err != nil {
		return 0, err
	}

	total := 0
	offset := 0
	page := 1
	cursor := ""
	for {
		pageParam := ""
		if res.PageParam != "" {
			switch {
			case res.NextCursorField != "":
				pageParam = cursor // empty on the first page
			case res.PageNumbered:
				pageParam = strconv.Itoa(page)
			default:
				pageParam = strconv.Itoa(offset)
			}
		}

		body, err := c.request(ctx, ds, desc, res, pageParam)
		if err != nil {
			return total, err
		}

		records, err := extractRecords(body, res)
		if err != nil {
			return total, err
		}
		if len(records) > 0 {
			if err := sink(records); err != nil {
				return total, fmt.Errorf("persist %s page: %w", res.Name, err)
			}
			total += len(records)
		}

		if res.PageParam == "" {
			return total, nil
		}
		if res.NextCursorField != "" {
			cursor = lookupString(body, res.NextCursorField)
			if cursor == "" {
				return total, nil
			}
			continue
		}
		if len(records) < res.PageSize || len(records) == 0 {
			return total, nil
		}
		offset += len(records)
		page++
	}
}

// request performs one page request with rate limiting, retry on transient
// failures, and a single forced token refresh on 401.
func (c *Client) request(ctx context.Context, ds *models.DataSource, desc catalog.ServiceDescriptor, res catalog.ResourceSpec, pageParam string) (map[string]any, error) {
	creds, err := c.tokens.GetValidToken(ctx, ds)
	if err != nil {
		return nil, err
	}

	cfg := &retry.Config{
		MaxRetries:   desc.RateLimit.MaxRetries,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
	service := string(ds.ServiceType)
	refreshed := false

	for attempt := 0; ; attempt++ {
		if err := c.limits.Wait(ctx, ds.ServiceType); err != nil {
			return nil, err
		}

		req, err := c.buildRequest(ctx, desc, res, pageParam, creds.AccessToken)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			telemetry.OutboundRequests.WithLabelValues(service, "error").Inc()
			if attempt >= cfg.MaxRetries {
				return nil, fmt.Errorf("%s %s: %v: %w", service, res.Name, err, apperrors.ErrAPIError)
			}
			if err := c.backoff(ctx, cfg.Delay(attempt), service); err != nil {
				return nil, err
			}
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			telemetry.OutboundRequests.WithLabelValues(service, "2xx").Inc()
			if readErr != nil {
				return nil, fmt.Errorf("read %s %s response: %w", service, res.Name, readErr)
			}
			if len(body) == 0 {
				return map[string]any{}, nil
			}
			var parsed map[string]any
			if err := json.Unmarshal(body, &parsed); err != nil {
				return nil, fmt.Errorf("decode %s %s response: %v: %w", service, res.Name, err, apperrors.ErrAPIError)
			}
			return parsed, nil

		case resp.StatusCode == http.StatusUnauthorized:
			telemetry.OutboundRequests.WithLabelValues(service, "4xx").Inc()
			if refreshed || desc.Auth != catalog.AuthOAuth {
				// Classified as an API failure; ErrTokenExpired rides along
				// so callers can still tell why the request was rejected.
				return nil, fmt.Errorf("%s %s: unauthorized after refresh: %w: %w", service, res.Name, apperrors.ErrTokenExpired, apperrors.ErrAPIError)
			}
			refreshed = true
			creds, err = c.tokens.ForceRefresh(ctx, ds, creds.AccessToken)
			if err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			telemetry.OutboundRequests.WithLabelValues(service, "429").Inc()
			if attempt >= cfg.MaxRetries {
				return nil, fmt.Errorf("%s %s: retries exhausted: %w", service, res.Name, apperrors.ErrRateLimited)
			}
			delay := cfg.Delay(attempt)
			if ra := retryAfter(resp.Header); ra > delay {
				delay = ra
			}
			if err := c.backoff(ctx, delay, service); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode >= 500:
			telemetry.OutboundRequests.WithLabelValues(service, "5xx").Inc()
			if attempt >= cfg.MaxRetries {
				return nil, fmt.Errorf("%s %s returned %d: %w", service, res.Name, resp.StatusCode, apperrors.ErrAPIError)
			}
			if err := c.backoff(ctx, cfg.Delay(attempt), service); err != nil {
				return nil, err
			}
			continue

		default:
			telemetry.OutboundRequests.WithLabelValues(service, "4xx").Inc()
			return nil, fmt.Errorf("%s %s returned %d: %s: %w", service, res.Name, resp.StatusCode, truncate(body, 200), apperrors.ErrAPIError)
		}
	}
}

func (c *Client) buildRequest(ctx context.Context, desc catalog.ServiceDescriptor, res catalog.ResourceSpec, pageParam, token string) (*http.Request, error) {
	method := res.Method
	if method == "" {
		method = http.MethodGet
	}

	u := strings.TrimSuffix(desc.APIBaseURL, "/") + res.Path
	q := url.Values{}
	if res.PageSizeParam != "" && res.PageSize > 0 {
		q.Set(res.PageSizeParam, strconv.Itoa(res.PageSize))
	}
	if res.PageParam != "" && pageParam != "" {
		q.Set(res.PageParam, pageParam)
	}
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}

	var body io.Reader
	if res.Body != "" {
		body = strings.NewReader(res.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", res.Name, err)
	}

	if desc.AuthHeader != "" {
		req.Header.Set(desc.AuthHeader, token)
	} else {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
	if res.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) backoff(ctx context.Context, delay time.Duration, service string) error {
	telemetry.OutboundRetries.WithLabelValues(service).Inc()
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		// A run that times out mid-backoff is an API failure from the
		// caller's point of view, not a distinct error class.
		return fmt.Errorf("backoff interrupted for %s: %w: %w", service, ctx.Err(), apperrors.ErrAPIError)
	}
}

// retryAfter parses a Retry-After header given in delay seconds. HTTP-date
// values are ignored; the backoff schedule covers those.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// extractRecords walks the dotted RecordsField path and converts the array
// there into Records keyed by IDField. A missing path means an empty page
// (providers omit the array past the last page).
func extractRecords(body map[string]any, res catalog.ResourceSpec) ([]Record, error) {
	val := lookup(body, res.RecordsField)
	if val == nil {
		return nil, nil
	}
	arr, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("field %q is not an array: %w", res.RecordsField, apperrors.ErrAPIError)
	}

	records := make([]Record, 0, len(arr))
	for _, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("record in %q is not an object: %w", res.RecordsField, apperrors.ErrAPIError)
		}
		id := stringify(obj[res.IDField])
		if id == "" {
			return nil, fmt.Errorf("record in %q missing id field %q: %w", res.RecordsField, res.IDField, apperrors.ErrAPIError)
		}
		records = append(records, Record{ID: id, Data: obj})
	}
	return records, nil
}

// lookup descends a dotted path through nested objects. Returns nil when any
// segment is absent or not an object.
func lookup(m map[string]any, path string) any {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func lookupString(m map[string]any, path string) string {
	return stringify(lookup(m, path))
}

// stringify renders provider IDs and cursors that arrive as either JSON
// strings or numbers.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
