package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned for missing OAuth endpoints or unusable
	// client credentials. It is never retried.
	ErrConfiguration = errors.New("auth: configuration error")

	// ErrInvalidState is returned when a callback state does not match a
	// pending authorization, either because it was never issued, was already
	// redeemed, or has been pruned.
	ErrInvalidState = errors.New("auth: invalid or expired authorization state")

	ErrNoRefreshToken        = errors.New("auth: no refresh token available")
	ErrRevocationUnsupported = errors.New("auth: server does not advertise a revocation endpoint")
	ErrTokenNotFound         = errors.New("auth: token not found")
)

// OAuthError represents an OAuth 2.0 error response from a token, refresh or
// revocation endpoint.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
	StatusCode  int    `json:"-"`
	Body        string `json:"-"`
}

func (e *OAuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("oauth endpoint returned status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}
