package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pulsekpi/pulse-engine/pkg/apperrors"
	"github.com/pulsekpi/pulse-engine/pkg/catalog"
	"github.com/pulsekpi/pulse-engine/pkg/config"
	"github.com/pulsekpi/pulse-engine/pkg/logging"
	"github.com/pulsekpi/pulse-engine/pkg/models"
	"github.com/pulsekpi/pulse-engine/pkg/repositories"
	"github.com/pulsekpi/pulse-engine/pkg/telemetry"
)

// TokenManager hands out live access tokens for a data source, refreshing
// them against the provider's token endpoint when they are expired or about
// to expire. API-key services pass through unchanged.
type TokenManager interface {
	// GetValidToken returns credentials guaranteed live for at least the
	// configured skew margin. Concurrent callers for the same data source
	// share a single refresh.
	GetValidToken(ctx context.Context, ds *models.DataSource) (models.OAuthCredentials, error)

	// ForceRefresh refreshes regardless of expiry. Callers pass the token
	// that was rejected upstream; if the stored token has already moved on
	// (another caller refreshed first), the stored one is returned as-is.
	ForceRefresh(ctx context.Context, ds *models.DataSource, staleToken string) (models.OAuthCredentials, error)
}

type tokenManager struct {
	repo    repositories.DatasourceRepository
	catalog *catalog.Catalog
	oauth   config.OAuthConfig
	skew    time.Duration
	client  *http.Client
	flight  singleflight.Group
	logger  *zap.Logger
	now     func() time.Time
}

// NewTokenManager creates a TokenManager. skew is the margin before actual
// expiry at which a token is treated as expired.
func NewTokenManager(repo repositories.DatasourceRepository, cat *catalog.Catalog, oauth config.OAuthConfig, skew time.Duration, client *http.Client, logger *zap.Logger) TokenManager {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &tokenManager{
		repo:    repo,
		catalog: cat,
		oauth:   oauth,
		skew:    skew,
		client:  client,
		logger:  logger.Named("token-manager"),
		now:     time.Now,
	}
}

var _ TokenManager = (*tokenManager)(nil)

func (m *tokenManager) flightKey(ds *models.DataSource) string {
	return ds.CompanyID.String() + "/" + string(ds.ServiceType)
}

func (m *tokenManager) GetValidToken(ctx context.Context, ds *models.DataSource) (models.OAuthCredentials, error) {
	desc, err := m.catalog.Resolve(ds)
	if err != nil {
		return models.OAuthCredentials{}, err
	}
	if desc.Auth == catalog.AuthAPIKey {
		return ds.Config.Credentials, nil
	}
	if ds.Config.Credentials.LiveAt(m.now(), m.skew) {
		return ds.Config.Credentials, nil
	}
	return m.refreshShared(ctx, ds, desc, "")
}

func (m *tokenManager) ForceRefresh(ctx context.Context, ds *models.DataSource, staleToken string) (models.OAuthCredentials, error) {
	desc, err := m.catalog.Resolve(ds)
	if err != nil {
		return models.OAuthCredentials{}, err
	}
	if desc.Auth == catalog.AuthAPIKey {
		// Nothing to refresh. A rejected API key stays rejected.
		return models.OAuthCredentials{}, fmt.Errorf("service %s uses a static API key: %w", ds.ServiceType, apperrors.ErrRefreshFailed)
	}
	return m.refreshShared(ctx, ds, desc, staleToken)
}

// refreshShared funnels concurrent refreshes for the same (company, service)
// through one flight. Inside the flight we re-read the stored credentials
// first: a caller that queued behind a completed refresh should get the new
// token without burning the refresh token again.
func (m *tokenManager) refreshShared(ctx context.Context, ds *models.DataSource, desc catalog.ServiceDescriptor, staleToken string) (models.OAuthCredentials, error) {
	v, err, _ := m.flight.Do(m.flightKey(ds), func() (interface{}, error) {
		current, err := m.repo.GetByID(ctx, ds.ID)
		if err != nil {
			return models.OAuthCredentials{}, fmt.Errorf("reload data source %s: %w", ds.ID, err)
		}
		creds := current.Config.Credentials
		if staleToken != "" {
			if creds.AccessToken != staleToken {
				return creds, nil
			}
		} else if creds.LiveAt(m.now(), m.skew) {
			return creds, nil
		}
		return m.refresh(ctx, current, desc)
	})
	if err != nil {
		return models.OAuthCredentials{}, err
	}
	return v.(models.OAuthCredentials), nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (m *tokenManager) refresh(ctx context.Context, ds *models.DataSource, desc catalog.ServiceDescriptor) (models.OAuthCredentials, error) {
	creds := ds.Config.Credentials
	if creds.RefreshToken == "" {
		return models.OAuthCredentials{}, fmt.Errorf("data source %s has no refresh token: %w", ds.ID, apperrors.ErrTokenExpired)
	}
	app, ok := m.oauth.ClientFor(string(ds.ServiceType))
	if !ok || app.ClientID == "" {
		return models.OAuthCredentials{}, fmt.Errorf("no OAuth client configured for %s: %w", ds.ServiceType, apperrors.ErrInvalidConfig)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", creds.RefreshToken)
	form.Set("client_id", app.ClientID)
	form.Set("client_secret", app.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return models.OAuthCredentials{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return models.OAuthCredentials{}, fmt.Errorf("token endpoint for %s: %v: %w", ds.ServiceType, err, apperrors.ErrRefreshFailed)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.OAuthCredentials{}, fmt.Errorf("read token response: %v: %w", err, apperrors.ErrRefreshFailed)
	}
	if resp.StatusCode != http.StatusOK {
		telemetry.TokenRefreshes.WithLabelValues(string(ds.ServiceType), "rejected").Inc()
		m.logger.Warn("Token refresh rejected",
			zap.String("service", string(ds.ServiceType)),
			zap.String("company_id", ds.CompanyID.String()),
			zap.Int("status", resp.StatusCode),
			zap.String("body", logging.TruncateString(logging.Sanitize(string(body)), 200)))
		return models.OAuthCredentials{}, fmt.Errorf("token endpoint for %s returned %d: %w", ds.ServiceType, resp.StatusCode, apperrors.ErrRefreshFailed)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return models.OAuthCredentials{}, fmt.Errorf("decode token response: %v: %w", err, apperrors.ErrRefreshFailed)
	}
	if tr.AccessToken == "" {
		return models.OAuthCredentials{}, fmt.Errorf("token endpoint for %s returned no access token: %w", ds.ServiceType, apperrors.ErrRefreshFailed)
	}

	next := models.OAuthCredentials{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
	}
	if next.RefreshToken == "" {
		// Providers that don't rotate refresh tokens omit the field.
		next.RefreshToken = creds.RefreshToken
	}
	if tr.ExpiresIn > 0 {
		next.ExpiresAt = m.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	if err := m.repo.UpdateTokens(ctx, ds.ID, next); err != nil {
		return models.OAuthCredentials{}, fmt.Errorf("persist refreshed tokens for %s: %w", ds.ID, err)
	}

	telemetry.TokenRefreshes.WithLabelValues(string(ds.ServiceType), "ok").Inc()
	m.logger.Info("Refreshed access token",
		zap.String("service", string(ds.ServiceType)),
		zap.String("company_id", ds.CompanyID.String()),
		zap.String("token_tail", logging.TokenTail(next.AccessToken)),
		zap.Time("expires_at", next.ExpiresAt))
	return next, nil
}
