// Package platform talks to the external publishing platform: the OAuth
// endpoints used to connect an account and the publish endpoint used by the
// dispatcher. It never touches the job store.
package platform

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/cuongbtq/post-scheduler/internal/domain"
)

// Publish modes
const (
	ModeMock = "mock"
	ModeReal = "real"
)

// Result identifies a post created on the platform.
type Result struct {
	ExternalID  string
	ExternalRef string
}

// Publisher publishes content on behalf of a user.
type Publisher interface {
	Publish(ctx context.Context, userID, content string) (*Result, error)
}

// Tokens is the part of the token manager the publisher depends on.
type Tokens interface {
	GetValidToken(ctx context.Context, userID string) (string, error)
	ForceRefresh(ctx context.Context, userID, rejected string) (string, error)
	Profile(ctx context.Context, userID string) (*domain.Profile, error)
	CacheProfile(ctx context.Context, userID string, profile domain.Profile) error
}

// Config describes the platform endpoints and client credentials.
type Config struct {
	Mode         string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	PublishURL   string
	// PostURLTemplate renders the public link of a post; %s is the external id.
	PostURLTemplate string
	Visibility      string
	AuthorPrefix    string
	RequestsPerSec  float64
	Burst           int
	Timeout         time.Duration
}

// NewPublisher selects the publisher implementation for cfg.Mode.
func NewPublisher(cfg Config, tokens Tokens, identity *OAuthClient, logger *slog.Logger) (Publisher, error) {
	switch cfg.Mode {
	case ModeMock, "":
		logger.Warn("Using mock publisher, posts will not reach the platform")
		return NewMockPublisher(cfg.PostURLTemplate), nil
	case ModeReal:
		return NewRESTPublisher(cfg, tokens, identity, logger), nil
	default:
		return nil, errors.Newf("unknown platform mode %q", cfg.Mode)
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
