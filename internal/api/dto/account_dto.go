package dto

type AuthorizeResponse struct {
	URL string `json:"url"`
}

type ConnectRequest struct {
	Code  string `json:"code" binding:"required"`
	State string `json:"state" binding:"required"`
}

// TokenRequest stores a token obtained outside the authorization flow.
// ExpiresIn is in seconds.
type TokenRequest struct {
	AccessToken  string `json:"access_token" binding:"required"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}
