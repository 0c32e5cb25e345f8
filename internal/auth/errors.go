package auth

import "net/http"

// Error is an authentication/authorization failure with the stable
// machine code and HTTP status the error envelope needs. Codes are
// part of the API contract and never change between releases.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

var (
	ErrMissingAPIKey = &Error{
		Code: "missing_api_key", Status: http.StatusUnauthorized,
		Message: "Authorization header with a Bearer token is required.",
	}
	ErrInvalidAPIKey = &Error{
		Code: "invalid_api_key", Status: http.StatusUnauthorized,
		Message: "Invalid API key.",
	}
	ErrKeyRevoked = &Error{
		Code: "key_revoked", Status: http.StatusUnauthorized,
		Message: "API key has been revoked.",
	}
	ErrInvalidToken = &Error{
		Code: "invalid_token", Status: http.StatusUnauthorized,
		Message: "Token validation failed.",
	}
	ErrOIDCNotConfigured = &Error{
		Code: "oidc_not_configured", Status: http.StatusUnauthorized,
		Message: "OIDC is not configured on this server.",
	}
	ErrAPIKeyNotAllowed = &Error{
		Code: "api_key_not_allowed", Status: http.StatusUnauthorized,
		Message: "API keys are not accepted; present an OIDC token.",
	}
	ErrMissingOrgClaim = &Error{
		Code: "missing_org_claim", Status: http.StatusForbidden,
		Message: "Token does not carry an organization claim.",
	}
	ErrInsufficientRole = &Error{
		Code: "insufficient_role", Status: http.StatusForbidden,
		Message: "Insufficient role for this operation.",
	}
)
