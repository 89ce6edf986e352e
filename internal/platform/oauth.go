package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/oauth2"

	"github.com/cuongbtq/post-scheduler/internal/domain"
)

// OAuthClient drives the authorization code flow and the identity endpoint.
type OAuthClient struct {
	oauth       *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewOAuthClient creates an OAuthClient from the platform config.
func NewOAuthClient(cfg Config, logger *slog.Logger) *OAuthClient {
	return &OAuthClient{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		userInfoURL: cfg.UserInfoURL,
		httpClient:  newHTTPClient(cfg.Timeout),
		logger:      logger,
	}
}

// AuthCodeURL builds the consent redirect carrying the anti-CSRF state.
func (c *OAuthClient) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens.
func (c *OAuthClient) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := c.oauth.Exchange(c.context(ctx), code)
	if err != nil {
		return nil, classifyTokenError("exchange authorization code", err)
	}
	return token, nil
}

// Refresh redeems a refresh token for a new access token.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	// an already expired token forces the source to hit the token endpoint
	stale := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}

	token, err := c.oauth.TokenSource(c.context(ctx), stale).Token()
	if err != nil {
		return nil, classifyTokenError("refresh token", err)
	}
	if token.RefreshToken == "" {
		// providers may omit an unchanged refresh token
		token.RefreshToken = refreshToken
	}
	return token, nil
}

// UserInfo resolves the stable subject of the account owning accessToken.
func (c *OAuthClient) UserInfo(ctx context.Context, accessToken string) (*domain.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build userinfo request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.ExternalError{Op: "userinfo", Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &domain.ExternalError{Op: "userinfo", StatusCode: resp.StatusCode, Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode/100 != 2 {
		return nil, classifyResponse("userinfo", resp.StatusCode, body)
	}

	var profile domain.Profile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, errors.Wrap(err, "failed to decode userinfo response")
	}
	if profile.Subject == "" {
		return nil, &domain.ExternalError{
			Op:         "userinfo",
			StatusCode: resp.StatusCode,
			Message:    "response carries no subject",
		}
	}
	return &profile, nil
}

func (c *OAuthClient) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// classifyTokenError maps token endpoint failures: a rejected grant means the
// user has to reconnect, anything else may succeed later.
func classifyTokenError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		if retrieveErr.ErrorCode == "invalid_grant" || (status >= 400 && status < 500 && status != http.StatusTooManyRequests) {
			return domain.NewReauthRequired("%s rejected: status %d %s", op, status, retrieveErr.ErrorCode)
		}
		return &domain.ExternalError{
			Op:         op,
			StatusCode: status,
			Code:       retrieveErr.ErrorCode,
			Message:    fmt.Sprintf("token endpoint error: %s", retrieveErr.ErrorDescription),
			Retryable:  true,
		}
	}
	return &domain.ExternalError{Op: op, Message: err.Error(), Retryable: true}
}
