// Package token keeps the external account sessions of users usable: it
// hands out valid access tokens, refreshing expired ones at most once per
// user at a time.
package token

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/cuongbtq/post-scheduler/internal/domain"
)

// Store persists sessions.
type Store interface {
	GetSession(ctx context.Context, userID string) (*domain.Session, error)
	UpsertSession(ctx context.Context, session *domain.Session) error
	UpdateSessionProfile(ctx context.Context, userID string, profile domain.Profile, now time.Time) error
	DeleteSession(ctx context.Context, userID string) error
}

// Provider is the OAuth provider of the publishing platform.
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	UserInfo(ctx context.Context, accessToken string) (*domain.Profile, error)
}

// Config tunes token handling.
type Config struct {
	// RefreshSkew treats tokens expiring within it as expired.
	RefreshSkew time.Duration
	// DefaultTTL is used when the provider does not report an expiry.
	DefaultTTL time.Duration
	// RefreshTimeout bounds one refresh exchange.
	RefreshTimeout time.Duration
}

// Status is the connection state shown to the user.
type Status struct {
	Connected     bool            `json:"connected"`
	HasValidToken bool            `json:"has_valid_token"`
	Profile       *domain.Profile `json:"profile,omitempty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
}

// Manager owns the token lifecycle of every user.
type Manager struct {
	store    Store
	provider Provider
	config   Config
	flights  singleflight.Group
	now      func() time.Time
	logger   *slog.Logger
}

// NewManager creates a Manager.
func NewManager(store Store, provider Provider, config Config, logger *slog.Logger) *Manager {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = time.Hour
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = 30 * time.Second
	}

	return &Manager{
		store:    store,
		provider: provider,
		config:   config,
		now:      time.Now,
		logger:   logger,
	}
}

// GetValidToken returns an access token that is not expired, refreshing it
// first when needed.
func (m *Manager) GetValidToken(ctx context.Context, userID string) (string, error) {
	session, err := m.loadSession(ctx, userID)
	if err != nil {
		return "", err
	}

	if !session.Expired(m.now(), m.config.RefreshSkew) {
		return session.AccessToken, nil
	}
	if !session.HasRefreshToken() {
		return "", domain.NewReauthRequired("session of user %s expired at %s", userID, session.ExpiresAt.Format(time.RFC3339))
	}

	return m.refresh(ctx, userID, false, "")
}

// ForceRefresh replaces an access token the platform rejected. When the
// stored token already differs from rejected, another caller refreshed it and
// the stored token is returned without a new exchange. An empty rejected
// token always refreshes.
func (m *Manager) ForceRefresh(ctx context.Context, userID, rejected string) (string, error) {
	return m.refresh(ctx, userID, true, rejected)
}

// refresh runs at most one refresh exchange per user at a time, for expiry
// and forced refreshes alike. Concurrent callers share the flight in
// progress, and the flight re-reads the session so a caller arriving after
// another refresh finished does not refresh again.
func (m *Manager) refresh(ctx context.Context, userID string, force bool, rejected string) (string, error) {
	for attempt := 0; ; attempt++ {
		token, shared, err := m.refreshFlight(ctx, userID, force, rejected)
		if err != nil {
			return "", err
		}
		// joined an expiry flight that still considered the rejected token valid
		if force && shared && token == rejected && attempt == 0 {
			continue
		}
		return token, nil
	}
}

func (m *Manager) refreshFlight(ctx context.Context, userID string, force bool, rejected string) (string, bool, error) {
	v, err, shared := m.flights.Do(userID, func() (interface{}, error) {
		// the flight outlives any single caller
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.RefreshTimeout)
		defer cancel()

		session, err := m.loadSession(ctx, userID)
		if err != nil {
			return "", err
		}
		stale := session.Expired(m.now(), m.config.RefreshSkew)
		if force && (rejected == "" || session.AccessToken == rejected) {
			stale = true
		}
		if !stale {
			return session.AccessToken, nil
		}
		if !session.HasRefreshToken() {
			return "", domain.NewReauthRequired("session of user %s cannot be refreshed", userID)
		}

		m.logger.Info("Refreshing access token",
			slog.String("user_id", userID),
			slog.Bool("forced", force),
		)

		token, err := m.provider.Refresh(ctx, *session.RefreshToken)
		if err != nil {
			m.logger.Warn("Token refresh failed",
				slog.String("user_id", userID),
				slog.Any("error", err),
			)
			return "", err
		}

		if err := m.store.UpsertSession(ctx, m.sessionFromToken(userID, token, nil)); err != nil {
			return "", errors.Wrap(err, "failed to persist refreshed token")
		}
		return token.AccessToken, nil
	})
	if err != nil {
		return "", false, err
	}

	if shared {
		m.logger.Debug("Joined token refresh in flight", slog.String("user_id", userID))
	}
	return v.(string), shared, nil
}

// AuthURL returns the consent URL for the authorization code flow.
func (m *Manager) AuthURL(state string) string {
	return m.provider.AuthCodeURL(state)
}

// Connect completes the authorization code flow and stores the session.
func (m *Manager) Connect(ctx context.Context, userID, code string) (*Status, error) {
	token, err := m.provider.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	profile, err := m.provider.UserInfo(ctx, token.AccessToken)
	if err != nil {
		// resolved again on first publish
		m.logger.Warn("Failed to resolve account identity",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
		profile = nil
	}

	session := m.sessionFromToken(userID, token, profile)
	if err := m.store.UpsertSession(ctx, session); err != nil {
		return nil, err
	}

	m.logger.Info("Account connected", slog.String("user_id", userID))
	return m.statusOf(session), nil
}

// SaveSession stores a token obtained outside the authorization code flow.
func (m *Manager) SaveSession(ctx context.Context, userID, accessToken, refreshToken string, expiresIn time.Duration) (*Status, error) {
	if accessToken == "" {
		return nil, errors.Wrap(domain.ErrInvalidInput, "access token is required")
	}
	if expiresIn <= 0 {
		expiresIn = m.config.DefaultTTL
	}

	session := m.sessionFromToken(userID, &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Expiry:       m.now().Add(expiresIn),
	}, nil)
	if err := m.store.UpsertSession(ctx, session); err != nil {
		return nil, err
	}
	return m.statusOf(session), nil
}

// ClearSession disconnects the account. Clearing twice is fine.
func (m *Manager) ClearSession(ctx context.Context, userID string) error {
	if err := m.store.DeleteSession(ctx, userID); err != nil {
		return err
	}
	m.logger.Info("Account disconnected", slog.String("user_id", userID))
	return nil
}

// GetStatus reports the connection state without refreshing anything.
func (m *Manager) GetStatus(ctx context.Context, userID string) (*Status, error) {
	session, err := m.store.GetSession(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return &Status{}, nil
	}
	if err != nil {
		return nil, err
	}
	return m.statusOf(session), nil
}

// Profile returns the cached identity, nil when not resolved yet.
func (m *Manager) Profile(ctx context.Context, userID string) (*domain.Profile, error) {
	session, err := m.loadSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	return session.Profile, nil
}

// CacheProfile stores the resolved identity on the session.
func (m *Manager) CacheProfile(ctx context.Context, userID string, profile domain.Profile) error {
	return m.store.UpdateSessionProfile(ctx, userID, profile, m.now())
}

func (m *Manager) loadSession(ctx context.Context, userID string) (*domain.Session, error) {
	session, err := m.store.GetSession(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, errors.WithHint(
			errors.Wrapf(domain.ErrNotAuthenticated, "user %s has no connected account", userID),
			"connect your account first",
		)
	}
	return session, err
}

func (m *Manager) sessionFromToken(userID string, token *oauth2.Token, profile *domain.Profile) *domain.Session {
	now := m.now()
	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = now.Add(m.config.DefaultTTL)
	}

	session := &domain.Session{
		UserID:      userID,
		AccessToken: token.AccessToken,
		ExpiresAt:   expiresAt,
		Profile:     profile,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if token.RefreshToken != "" {
		rt := token.RefreshToken
		session.RefreshToken = &rt
	}
	return session
}

func (m *Manager) statusOf(session *domain.Session) *Status {
	expiresAt := session.ExpiresAt
	return &Status{
		Connected:     true,
		HasValidToken: !session.Expired(m.now(), m.config.RefreshSkew),
		Profile:       session.Profile,
		ExpiresAt:     &expiresAt,
	}
}
