package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dgellow/area/internal"
	"github.com/dgellow/area/internal/area"
	"github.com/go-resty/resty/v2"
)

// restClient is the shared REST transport of the JSON adapters
type restClient struct {
	service    area.ServiceID
	client     *resty.Client
	authScheme string
}

func newRESTClient(service area.ServiceID, defaultBase string, opts Options) *restClient {
	c := resty.NewWithClient(opts.httpClient()).
		SetBaseURL(strings.TrimRight(opts.baseURL(defaultBase), "/")).
		SetHeader("Accept", "application/json")
	if opts.UserAgent != "" {
		c.SetHeader("User-Agent", opts.UserAgent)
	}
	return &restClient{service: service, client: c, authScheme: "Bearer"}
}

// request starts an authenticated request
func (c *restClient) request(ctx context.Context, cred area.Credential) *resty.Request {
	return c.client.R().
		SetContext(ctx).
		SetHeader("Authorization", c.authScheme+" "+cred.AccessToken)
}

func (c *restClient) get(ctx context.Context, cred area.Credential, op, path string, query url.Values, out any) error {
	req := c.request(ctx, cred)
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	return c.execute(req, op, http.MethodGet, path, out)
}

func (c *restClient) post(ctx context.Context, cred area.Credential, op, path string, body any, out any) error {
	req := c.request(ctx, cred).SetHeader("Content-Type", "application/json").SetBody(body)
	return c.execute(req, op, http.MethodPost, path, out)
}

func (c *restClient) execute(req *resty.Request, op, method, path string, out any) error {
	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		return transportError(c.service, op, err)
	}

	internal.LogDebugWithFields("provider", "Provider call", map[string]any{
		"service":  c.service,
		"op":       op,
		"status":   resp.StatusCode(),
		"duration": time.Since(start).String(),
	})

	if resp.StatusCode() >= 300 {
		return statusError(c.service, op, resp.StatusCode(), resp.Header(), resp.String())
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &area.ProviderError{Service: c.service, Op: op, Status: resp.StatusCode(), Kind: area.ErrInvalidResponse, Err: err}
	}
	return nil
}

// transportError classifies failures that never produced an HTTP response.
// A cancelled caller context is passed through unclassified.
func transportError(service area.ServiceID, op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &area.ProviderError{Service: service, Op: op, Kind: area.ErrProviderUnavailable, Err: err}
}

// statusError classifies a non-2xx response, including rate limits signalled with 403
func statusError(service area.ServiceID, op string, status int, header http.Header, body string) error {
	pe := area.NewStatusError(service, op, status, body)

	if status == http.StatusForbidden && rateLimitExhausted(header) {
		pe.Kind = area.ErrRateLimited
	}
	if errors.Is(pe.Kind, area.ErrRateLimited) {
		pe.RetryAfter = retryAfter(header, time.Now())
	}
	return pe
}

func rateLimitExhausted(header http.Header) bool {
	for _, name := range []string{"X-RateLimit-Remaining", "X-Rate-Limit-Remaining", "X-Ratelimit-Remaining"} {
		if v := header.Get(name); v != "" {
			remaining, err := strconv.ParseFloat(v, 64)
			return err == nil && remaining < 1
		}
	}
	return false
}

// retryAfter reads Retry-After or a rate-limit reset header (epoch seconds or delta seconds)
func retryAfter(header http.Header, now time.Time) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil && t.After(now) {
			return t.Sub(now)
		}
	}
	for _, name := range []string{"X-RateLimit-Reset", "X-Rate-Limit-Reset", "X-Ratelimit-Reset"} {
		v := header.Get(name)
		if v == "" {
			continue
		}
		reset, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		// values this large are unix timestamps, smaller ones are deltas
		if reset > 1e9 {
			if d := time.Unix(int64(reset), 0).Sub(now); d > 0 {
				return d
			}
			return 0
		}
		return time.Duration(reset * float64(time.Second))
	}
	return 0
}
