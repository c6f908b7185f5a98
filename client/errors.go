package client

import (
	"errors"
	"fmt"
)

// Configuration and transport failures.
var (
	ErrConfigurationMissing = errors.New("configuration missing")
	ErrDiscoveryUnavailable = errors.New("discovery document unavailable")
	ErrKeyFetchFailed       = errors.New("signing key fetch failed")
)

// Security validation failures. Callers must not tell end users which one
// occurred; see IsValidationFailure.
var (
	ErrMissingIDToken    = errors.New("id_token missing")
	ErrMalformedToken    = errors.New("malformed id_token")
	ErrUnknownSigningKey = errors.New("unknown signing key")
	ErrSignatureInvalid  = errors.New("signature invalid")
	ErrClaimExpired      = errors.New("token expired")
	ErrClaimNotYetValid  = errors.New("token not yet valid")
	ErrClaimInvalidIat   = errors.New("invalid iat")
	ErrIssuerMismatch    = errors.New("issuer mismatch")
	ErrAudienceMismatch  = errors.New("audience mismatch")
	ErrNonceMismatch     = errors.New("nonce mismatch")
	ErrCodeHashMismatch  = errors.New("c_hash mismatch")
)

// ErrUpstreamAuth matches any *UpstreamAuthError via errors.Is.
var ErrUpstreamAuth = errors.New("upstream authentication error")

var validationFailures = []error{
	ErrMissingIDToken,
	ErrMalformedToken,
	ErrUnknownSigningKey,
	ErrSignatureInvalid,
	ErrClaimExpired,
	ErrClaimNotYetValid,
	ErrClaimInvalidIat,
	ErrIssuerMismatch,
	ErrAudienceMismatch,
	ErrNonceMismatch,
	ErrCodeHashMismatch,
}

// UpstreamAuthError is returned when the identity provider reported an error
// on the callback instead of issuing a token.
type UpstreamAuthError struct {
	Code        string
	Description string
}

func (e *UpstreamAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("upstream auth error %q: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("upstream auth error %q", e.Code)
}

// Is matches ErrUpstreamAuth.
func (e *UpstreamAuthError) Is(target error) bool {
	return target == ErrUpstreamAuth
}

// IsValidationFailure reports whether err is one of the token validation
// failures.
func IsValidationFailure(err error) bool {
	for _, kind := range validationFailures {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// Kind returns the taxonomy sentinel err wraps, or nil for foreign errors.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range validationFailures {
		if errors.Is(err, kind) {
			return kind
		}
	}
	for _, kind := range []error{ErrUpstreamAuth, ErrConfigurationMissing, ErrDiscoveryUnavailable, ErrKeyFetchFailed} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
