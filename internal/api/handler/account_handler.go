package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/post-scheduler/internal/api/dto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// StateCookieName carries the anti-CSRF state of the authorization flow.
	StateCookieName = "oauth_state"
	stateCookieTTL  = 10 * time.Minute
	stateCookiePath = "/api/v1/account"
)

// Authorize handles GET /api/v1/account/authorize
// Returns the consent URL and sets the state cookie checked by Connect.
func (h *AccountHandler) Authorize(c *gin.Context) {
	state := uuid.NewString()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(StateCookieName, state, int(stateCookieTTL.Seconds()), stateCookiePath, "", h.secureCookies, true)

	c.JSON(http.StatusOK, dto.AuthorizeResponse{URL: h.accounts.AuthURL(state)})
}

// Connect handles POST /api/v1/account/connect
// Exchanges the authorization code once the state matches the cookie.
func (h *AccountHandler) Connect(c *gin.Context) {
	var req dto.ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request body", slog.String("error", err.Error()))
		badRequest(c, "Invalid request body")
		return
	}

	expected, err := c.Cookie(StateCookieName)
	if err != nil || subtle.ConstantTimeCompare([]byte(expected), []byte(req.State)) != 1 {
		h.logger.Warn("OAuth state mismatch", slog.String("user_id", userID(c)))
		badRequest(c, "Invalid or expired authorization state")
		return
	}
	c.SetCookie(StateCookieName, "", -1, stateCookiePath, "", h.secureCookies, true)

	status, err := h.accounts.Connect(c.Request.Context(), userID(c), req.Code)
	if err != nil {
		respondError(c, h.logger, "Failed to connect account", err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// SaveToken handles POST /api/v1/account/token
// Stores a token obtained outside the authorization flow.
func (h *AccountHandler) SaveToken(c *gin.Context) {
	var req dto.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request body", slog.String("error", err.Error()))
		badRequest(c, "Invalid request body")
		return
	}

	expiresIn := time.Duration(req.ExpiresIn) * time.Second
	status, err := h.accounts.SaveSession(c.Request.Context(), userID(c), req.AccessToken, req.RefreshToken, expiresIn)
	if err != nil {
		respondError(c, h.logger, "Failed to save token", err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// GetStatus handles GET /api/v1/account
func (h *AccountHandler) GetStatus(c *gin.Context) {
	status, err := h.accounts.GetStatus(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, h.logger, "Failed to get account status", err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// Disconnect handles DELETE /api/v1/account
func (h *AccountHandler) Disconnect(c *gin.Context) {
	if err := h.accounts.ClearSession(c.Request.Context(), userID(c)); err != nil {
		respondError(c, h.logger, "Failed to disconnect account", err)
		return
	}

	c.Status(http.StatusNoContent)
}
