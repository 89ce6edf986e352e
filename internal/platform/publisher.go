package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/cuongbtq/post-scheduler/internal/domain"
)

// publishRequest is the body of the publish call.
type publishRequest struct {
	Author     string `json:"author"`
	Content    string `json:"content"`
	Visibility string `json:"visibility"`
}

// RESTPublisher publishes through the platform's REST API.
type RESTPublisher struct {
	cfg        Config
	tokens     Tokens
	identity   *OAuthClient
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewRESTPublisher creates a RESTPublisher. Outbound publish calls are paced
// by cfg.RequestsPerSec; zero disables pacing.
func NewRESTPublisher(cfg Config, tokens Tokens, identity *OAuthClient, logger *slog.Logger) *RESTPublisher {
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if cfg.Visibility == "" {
		cfg.Visibility = "PUBLIC"
	}

	return &RESTPublisher{
		cfg:        cfg,
		tokens:     tokens,
		identity:   identity,
		httpClient: newHTTPClient(cfg.Timeout),
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

// Publish posts content as the user's account. A 401 from the identity or
// publish endpoint triggers one forced token refresh and a single retry.
func (p *RESTPublisher) Publish(ctx context.Context, userID, content string) (*Result, error) {
	token, err := p.tokens.GetValidToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	result, err := p.publishWith(ctx, userID, token, content)
	if !unauthorized(err) {
		return result, err
	}

	p.logger.Info("Platform rejected token, refreshing",
		slog.String("user_id", userID),
	)
	token, err = p.tokens.ForceRefresh(ctx, userID, token)
	if err != nil {
		return nil, err
	}
	return p.publishWith(ctx, userID, token, content)
}

func (p *RESTPublisher) publishWith(ctx context.Context, userID, token, content string) (*Result, error) {
	author, err := p.author(ctx, userID, token)
	if err != nil {
		return nil, err
	}
	return p.post(ctx, token, author, content)
}

func unauthorized(err error) bool {
	var extErr *domain.ExternalError
	return errors.As(err, &extErr) && extErr.StatusCode == http.StatusUnauthorized
}

// author returns the author reference, resolving and caching the account
// subject on first use.
func (p *RESTPublisher) author(ctx context.Context, userID, token string) (string, error) {
	profile, err := p.tokens.Profile(ctx, userID)
	if err != nil {
		return "", err
	}

	if profile == nil || profile.Subject == "" {
		profile, err = p.identity.UserInfo(ctx, token)
		if err != nil {
			return "", errors.Wrap(err, "failed to resolve author")
		}
		if err := p.tokens.CacheProfile(ctx, userID, *profile); err != nil {
			// the next publish resolves it again
			p.logger.Warn("Failed to cache profile",
				slog.String("user_id", userID),
				slog.Any("error", err),
			)
		}
	}
	return p.cfg.AuthorPrefix + profile.Subject, nil
}

func (p *RESTPublisher) post(ctx context.Context, token, author, content string) (*Result, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, &domain.ExternalError{Op: "publish", Message: err.Error(), Retryable: true}
	}

	payload, err := json.Marshal(publishRequest{
		Author:     author,
		Content:    content,
		Visibility: p.cfg.Visibility,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode publish request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.PublishURL, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build publish request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &domain.ExternalError{Op: "publish", Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &domain.ExternalError{Op: "publish", StatusCode: resp.StatusCode, Message: err.Error(), Retryable: true}
	}

	if resp.StatusCode/100 != 2 {
		return nil, classifyResponse("publish", resp.StatusCode, body)
	}

	var created struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &created)

	id := created.ID
	if id == "" {
		id = resp.Header.Get("X-RestLi-Id")
	}
	if id == "" {
		return nil, &domain.ExternalError{
			Op:         "publish",
			StatusCode: resp.StatusCode,
			Message:    "response carries no post id",
		}
	}

	return &Result{ExternalID: id, ExternalRef: postURL(p.cfg.PostURLTemplate, id)}, nil
}

func postURL(template, id string) string {
	if template == "" {
		return ""
	}
	return fmt.Sprintf(template, id)
}
