package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/logging"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

// RefreshMargin is how close to expiry a token is refreshed before use.
const RefreshMargin = 30 * time.Second

// OAuthProvider is one configured OAuth client.
type OAuthProvider struct {
	Name   string
	Config *oauth2.Config
	// UserInfoURL, when set, is queried after an exchange to record which
	// account granted access. Failures there do not fail the exchange.
	UserInfoURL string
}

// Grant is the outcome of a successful code exchange.
type Grant struct {
	Provider         string
	ProviderIdentity string
	Secret           *models.Secret
	ExpiresAt        *time.Time
}

// OAuthBroker runs the authorization code flow and keeps stored tokens fresh.
type OAuthBroker interface {
	// AuthURL returns the provider's consent URL for a connection. It has no
	// side effects.
	AuthURL(provider string, projectID, connectionID uuid.UUID) (string, error)

	// VerifyState checks a state value returned to the redirect URL.
	VerifyState(state string) (*OAuthState, error)

	// ExchangeCode trades an authorization code for tokens. A code the
	// provider rejects yields an invalid_grant error.
	ExchangeCode(ctx context.Context, provider, code string) (*Grant, error)

	// EnsureFresh returns a usable secret for an OAuth credential,
	// refreshing it first when it is expired or about to expire.
	EnsureFresh(ctx context.Context, credentialID uuid.UUID) (*models.Secret, error)
}

// OAuthBrokerConfig holds the broker's collaborators.
type OAuthBrokerConfig struct {
	Providers   []OAuthProvider
	StateSecret []byte
	Vault       CredentialVault
	Locker      RefreshLocker
	// HTTPClient is used for token and userinfo requests. Nil uses
	// http.DefaultClient.
	HTTPClient *http.Client
	// RefreshTimeout bounds one refresh, including waiting for the lock.
	RefreshTimeout time.Duration
	Now            func() time.Time
}

type oauthBroker struct {
	providers      map[string]OAuthProvider
	state          *stateSigner
	vault          CredentialVault
	locker         RefreshLocker
	httpClient     *http.Client
	refreshTimeout time.Duration
	now            func() time.Time
	group          singleflight.Group
	logger         *zap.Logger
}

// NewOAuthBroker creates a broker.
func NewOAuthBroker(cfg OAuthBrokerConfig, logger *zap.Logger) (OAuthBroker, error) {
	if len(cfg.StateSecret) < 16 {
		return nil, errors.New("oauth state secret must be at least 16 bytes")
	}
	if cfg.Locker == nil {
		cfg.Locker = NewLocalRefreshLocker()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	providers := make(map[string]OAuthProvider, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers[p.Name] = p
	}

	return &oauthBroker{
		providers:      providers,
		state:          &stateSigner{key: cfg.StateSecret, now: cfg.Now},
		vault:          cfg.Vault,
		locker:         cfg.Locker,
		httpClient:     cfg.HTTPClient,
		refreshTimeout: cfg.RefreshTimeout,
		now:            cfg.Now,
		logger:         logger.Named("oauth"),
	}, nil
}

func (b *oauthBroker) provider(name string) (OAuthProvider, error) {
	p, ok := b.providers[name]
	if !ok {
		return OAuthProvider{}, apperrors.Validation("oauth provider %q is not configured", name)
	}
	return p, nil
}

func (b *oauthBroker) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
}

func (b *oauthBroker) AuthURL(provider string, projectID, connectionID uuid.UUID) (string, error) {
	p, err := b.provider(provider)
	if err != nil {
		return "", err
	}
	state, err := b.state.sign(provider, projectID, connectionID)
	if err != nil {
		return "", err
	}
	// Offline access with forced consent so the provider issues a refresh token.
	return p.Config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

func (b *oauthBroker) VerifyState(state string) (*OAuthState, error) {
	return b.state.verify(state)
}

func (b *oauthBroker) ExchangeCode(ctx context.Context, provider, code string) (*Grant, error) {
	p, err := b.provider(provider)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, apperrors.Validation("authorization code is required")
	}

	tok, err := p.Config.Exchange(b.clientContext(ctx), code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			b.logger.Info("Provider rejected authorization code",
				zap.String("provider", provider),
				zap.String("error_code", retrieveErr.ErrorCode),
				zap.Int("status", statusOf(retrieveErr)))
			return nil, apperrors.Wrap(apperrors.KindInvalidGrant, err, "the authorization code was rejected, authorize the connection again")
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.KindConnection, err, "could not reach %s to exchange the authorization code", provider)
	}

	grant := &Grant{
		Provider:  provider,
		Secret:    secretFromToken(tok, ""),
		ExpiresAt: expiryOf(tok),
	}
	if p.UserInfoURL != "" {
		identity, err := b.fetchIdentity(ctx, p, tok)
		if err != nil {
			b.logger.Warn("Failed to fetch provider identity",
				zap.String("provider", provider),
				zap.String("error", logging.SanitizeError(err)))
		}
		grant.ProviderIdentity = identity
	}
	return grant, nil
}

func (b *oauthBroker) fetchIdentity(ctx context.Context, p OAuthProvider, tok *oauth2.Token) (string, error) {
	client := p.Config.Client(b.clientContext(ctx), tok)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.UserInfoURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo returned %d", resp.StatusCode)
	}
	var info struct {
		Email string `json:"email"`
		Sub   string `json:"sub"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return "", fmt.Errorf("decode userinfo: %w", err)
	}
	if info.Email != "" {
		return info.Email, nil
	}
	return info.Sub, nil
}

func (b *oauthBroker) EnsureFresh(ctx context.Context, credentialID uuid.UUID) (*models.Secret, error) {
	entry, err := b.vault.Get(ctx, credentialID)
	if err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) {
			return nil, apperrors.CredentialExpired(err)
		}
		return nil, err
	}
	if !entry.ExpiresWithin(b.now(), RefreshMargin) {
		return entry.Secret, nil
	}

	// Concurrent callers share one refresh. The refresh is detached from the
	// first caller's cancellation so the others are not failed by it.
	ch := b.group.DoChan(credentialID.String(), func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.refreshTimeout)
		defer cancel()
		return b.refresh(refreshCtx, credentialID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Secret), nil
	}
}

func (b *oauthBroker) refresh(ctx context.Context, credentialID uuid.UUID) (*models.Secret, error) {
	unlock, err := b.locker.Lock(ctx, credentialID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to acquire refresh lock: %w", err)
	}
	defer unlock()

	// Another replica may have refreshed while we waited for the lock.
	entry, err := b.vault.Get(ctx, credentialID)
	if err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) {
			return nil, apperrors.CredentialExpired(err)
		}
		return nil, err
	}
	if !entry.ExpiresWithin(b.now(), RefreshMargin) {
		return entry.Secret, nil
	}

	provider := entry.Credential.Provider
	b.transition(credentialID, models.CredentialFresh, models.CredentialRefreshing)
	p, ok := b.providers[provider]
	if !ok {
		b.transition(credentialID, models.CredentialRefreshing, models.CredentialExpired)
		return nil, apperrors.CredentialExpired(fmt.Errorf("oauth provider %q is not configured", provider))
	}
	if entry.Secret.RefreshToken == "" {
		b.transition(credentialID, models.CredentialRefreshing, models.CredentialExpired)
		return nil, apperrors.CredentialExpired(errors.New("no refresh token stored"))
	}

	stale := &oauth2.Token{RefreshToken: entry.Secret.RefreshToken}
	tok, err := p.Config.TokenSource(b.clientContext(ctx), stale).Token()
	if err != nil {
		b.logger.Warn("Token refresh failed",
			zap.String("credential_id", credentialID.String()),
			zap.String("provider", provider),
			zap.String("error", logging.SanitizeError(err)))
		classified := refreshError(provider, err)
		if apperrors.Is(classified, apperrors.KindCredentialExpired) {
			b.transition(credentialID, models.CredentialRefreshing, models.CredentialExpired)
		}
		// Transient failures leave the stored token untouched; the next
		// caller tries again.
		return nil, classified
	}

	secret := secretFromToken(tok, entry.Secret.RefreshToken)
	if err := b.vault.Rotate(ctx, credentialID, secret, expiryOf(tok)); err != nil {
		return nil, fmt.Errorf("failed to store refreshed token: %w", err)
	}

	b.transition(credentialID, models.CredentialRefreshing, models.CredentialFresh)
	return secret, nil
}

func (b *oauthBroker) transition(credentialID uuid.UUID, from, to models.CredentialState) {
	if !from.CanTransition(to) {
		b.logger.Error("Invalid credential state transition",
			zap.String("credential_id", credentialID.String()),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return
	}
	b.logger.Debug("Credential state changed",
		zap.String("credential_id", credentialID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

// refreshError separates a refresh token the provider no longer accepts from
// an outage. Only the former asks the user to authorize again.
func refreshError(provider string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := statusOf(retrieveErr)
		if retrieveErr.ErrorCode == "invalid_grant" || (status >= 400 && status < 500) {
			return apperrors.CredentialExpired(err)
		}
		e := apperrors.Upstream(apperrors.KindConnection, status, "%s could not refresh the access token", provider)
		e.Err = err
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return apperrors.Wrap(apperrors.KindConnection, err, "could not reach %s to refresh the access token", provider)
}

// secretFromToken converts a token. A provider that does not rotate refresh
// tokens omits it on refresh; the previous one is kept.
func secretFromToken(tok *oauth2.Token, previousRefresh string) *models.Secret {
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	return &models.Secret{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		TokenType:    tok.Type(),
	}
}

func expiryOf(tok *oauth2.Token) *time.Time {
	if tok.Expiry.IsZero() {
		return nil
	}
	exp := tok.Expiry
	return &exp
}

func statusOf(err *oauth2.RetrieveError) int {
	if err.Response == nil {
		return 0
	}
	return err.Response.StatusCode
}
