// Package refresh exchanges refresh tokens for new access tokens and persists the result.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dgellow/area/internal"
	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/storage"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultSkew is how long before expiry EnsureValid refreshes proactively
const DefaultSkew = time.Minute

var (
	// ErrClientNotConfigured is returned when no OAuth client is configured for a service.
	// It is an operator error: credentials stay connected.
	ErrClientNotConfigured = errors.New("no oauth client configured")

	// ErrClientRejected is returned when the token endpoint refuses the client itself
	ErrClientRejected = errors.New("oauth client rejected by token endpoint")
)

// Refresher rotates access tokens through each provider's token endpoint
type Refresher struct {
	store   storage.CredentialStore
	configs map[area.ServiceID]*oauth2.Config

	// HTTPClient is used for token exchanges when set
	HTTPClient *http.Client
	// Skew is the proactive refresh window of EnsureValid
	Skew time.Duration

	now   func() time.Time
	group singleflight.Group
}

// New creates a refresher over store using the given OAuth clients
func New(store storage.CredentialStore, configs map[area.ServiceID]*oauth2.Config) *Refresher {
	if configs == nil {
		configs = make(map[area.ServiceID]*oauth2.Config)
	}
	return &Refresher{
		store:   store,
		configs: configs,
		Skew:    DefaultSkew,
		now:     time.Now,
	}
}

// EnsureValid returns a usable credential, refreshing it first when it expires within the skew window.
// A transient refresh failure falls back to the stored, not yet expired token.
func (r *Refresher) EnsureValid(ctx context.Context, userID string, service area.ServiceID) (area.Credential, error) {
	cred, err := r.store.GetCredential(ctx, userID, service)
	if err != nil {
		return area.Credential{}, err
	}
	if !cred.Connected {
		return area.Credential{}, fmt.Errorf("%s/%s: %w", userID, service, area.ErrDisconnected)
	}
	if cred.Expiry.IsZero() || cred.RefreshToken == "" {
		return cred, nil
	}

	now := r.now()
	if now.Add(r.Skew).Before(cred.Expiry) {
		return cred, nil
	}

	refreshed, err := r.OnAuthExpired(ctx, userID, service)
	if err == nil {
		return refreshed, nil
	}
	if errors.Is(err, area.ErrRefreshFatal) || errors.Is(err, context.Canceled) || !now.Before(cred.Expiry) {
		return area.Credential{}, err
	}
	internal.LogWarnWithFields("refresher", "Proactive refresh failed, using current token", map[string]any{
		"user":    userID,
		"service": service,
		"error":   err.Error(),
	})
	return cred, nil
}

// OnAuthExpired exchanges the stored refresh token and persists the new tokens.
// Returns an error wrapping area.ErrRefreshFatal when the pairing needs re-authorization.
// Concurrent calls for the same (user, service) share one exchange.
func (r *Refresher) OnAuthExpired(ctx context.Context, userID string, service area.ServiceID) (area.Credential, error) {
	v, err, shared := r.group.Do(userID+"/"+string(service), func() (any, error) {
		return r.refresh(ctx, userID, service)
	})
	if err != nil {
		return area.Credential{}, err
	}
	if shared {
		internal.LogDebugWithFields("refresher", "Joined in-flight refresh", map[string]any{
			"user":    userID,
			"service": service,
		})
	}
	return v.(area.Credential), nil
}

func (r *Refresher) refresh(ctx context.Context, userID string, service area.ServiceID) (area.Credential, error) {
	cred, err := r.store.GetCredential(ctx, userID, service)
	if err != nil {
		return area.Credential{}, err
	}
	if !cred.Connected {
		return area.Credential{}, fmt.Errorf("%s/%s: %w", userID, service, area.ErrDisconnected)
	}
	if cred.RefreshToken == "" {
		return area.Credential{}, fmt.Errorf("%s/%s has no refresh token: %w", userID, service, area.ErrRefreshFatal)
	}
	cfg, ok := r.configs[service]
	if !ok {
		internal.LogWarnWithFields("refresher", "No OAuth client configured", map[string]any{
			"user":    userID,
			"service": service,
		})
		return area.Credential{}, &area.ProviderError{Service: service, Op: "refresh token", Kind: area.ErrProviderUnavailable, Err: ErrClientNotConfigured}
	}

	exchangeCtx := ctx
	if r.HTTPClient != nil {
		exchangeCtx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}

	start := time.Now()
	token, err := cfg.TokenSource(exchangeCtx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		classified := classifyExchangeError(service, err)
		internal.LogWarnWithFields("refresher", "Token refresh failed", map[string]any{
			"user":     userID,
			"service":  service,
			"fatal":    errors.Is(classified, area.ErrRefreshFatal),
			"duration": time.Since(start).String(),
			"error":    err.Error(),
		})
		return area.Credential{}, classified
	}
	if token.AccessToken == "" {
		return area.Credential{}, &area.ProviderError{Service: service, Op: "refresh token", Kind: area.ErrInvalidResponse, Err: errors.New("token response without access_token")}
	}

	tokens := area.TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = cred.RefreshToken
	}

	// a rotated refresh token is only valid once, losing it to a cancelled caller would disconnect the user
	persistCtx := context.WithoutCancel(ctx)
	if err := r.store.PutCredential(persistCtx, userID, service, tokens); err != nil {
		return area.Credential{}, fmt.Errorf("persisting refreshed credential: %w", err)
	}

	internal.LogInfoWithFields("refresher", "Access token refreshed", map[string]any{
		"user":     userID,
		"service":  service,
		"rotated":  tokens.RefreshToken != cred.RefreshToken,
		"expiry":   tokens.Expiry,
		"duration": time.Since(start).String(),
	})

	return r.store.GetCredential(persistCtx, userID, service)
}

// classifyExchangeError separates definitive refusals from transient token endpoint failures
func classifyExchangeError(service area.ServiceID, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		switch {
		case re.ErrorCode == "invalid_grant":
			return fmt.Errorf("%s token endpoint refused refresh (%s): %w", service, re.ErrorCode, area.ErrRefreshFatal)
		case re.ErrorCode == "unauthorized_client", re.ErrorCode == "invalid_client":
			return &area.ProviderError{Service: service, Op: "refresh token", Status: status, Kind: area.ErrProviderUnavailable,
				Err: fmt.Errorf("%s: %w", re.ErrorCode, ErrClientRejected)}
		case status == http.StatusBadRequest, status == http.StatusUnauthorized:
			return fmt.Errorf("%s token endpoint refused refresh (HTTP %d): %w", service, status, area.ErrRefreshFatal)
		case status == http.StatusTooManyRequests:
			return area.NewStatusError(service, "refresh token", status, string(re.Body))
		}
		return &area.ProviderError{Service: service, Op: "refresh token", Status: status, Kind: area.ErrProviderUnavailable, Err: err}
	}
	return &area.ProviderError{Service: service, Op: "refresh token", Kind: area.ErrProviderUnavailable, Err: err}
}
