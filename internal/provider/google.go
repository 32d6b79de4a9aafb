package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dgellow/area/internal/area"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// googleOptions builds client options that authenticate every call with the credential's access token
func googleOptions(cred area.Credential, opts Options, defaultBase string) []option.ClientOption {
	base := opts.httpClient()
	client := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken, TokenType: "Bearer"}),
			Base:   base.Transport,
		},
		Timeout: base.Timeout,
	}
	clientOpts := []option.ClientOption{option.WithHTTPClient(client), option.WithEndpoint(opts.baseURL(defaultBase))}
	if opts.UserAgent != "" {
		clientOpts = append(clientOpts, option.WithUserAgent(opts.UserAgent))
	}
	return clientOpts
}

// googleError classifies errors returned by the generated Google API clients
func googleError(service area.ServiceID, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		classified := statusError(service, op, gerr.Code, gerr.Header, gerr.Message)
		if gerr.Code == http.StatusForbidden && googleRateLimited(gerr) {
			var pe *area.ProviderError
			if errors.As(classified, &pe) {
				pe.Kind = area.ErrRateLimited
				pe.RetryAfter = retryAfter(gerr.Header, time.Now())
			}
		}
		return classified
	}

	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) && retrieve.Response != nil {
		return statusError(service, op, retrieve.Response.StatusCode, retrieve.Response.Header, string(retrieve.Body))
	}

	// without a response the failure is either the transport or an undecodable body
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &area.ProviderError{Service: service, Op: op, Kind: area.ErrProviderUnavailable, Err: err}
	}
	return &area.ProviderError{Service: service, Op: op, Kind: area.ErrInvalidResponse, Err: err}
}

func googleRateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}
