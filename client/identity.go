package client

import "maps"

// Identity is the normalized result of a successful login.
type Identity struct {
	UID         string       `json:"uid"`
	Info        IdentityInfo `json:"info"`
	Credentials Credentials  `json:"credentials"`
	Extra       Extra        `json:"extra"`
}

// IdentityInfo carries the profile fields.
type IdentityInfo struct {
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Credentials carries the authorization code, passed through unexchanged.
type Credentials struct {
	Code string `json:"code,omitempty"`
}

// Extra carries the raw token material and the provider session state.
type Extra struct {
	SessionState  string         `json:"session_state,omitempty"`
	RawIDToken    string         `json:"raw_id_token"`
	IDTokenClaims map[string]any `json:"id_token_claims"`
	IDTokenHeader map[string]any `json:"id_token_header"`
}

// NewIdentity projects a verified token and callback values into an Identity.
// Email falls back to the upn claim.
func NewIdentity(tok *IDToken, code, sessionState string) *Identity {
	email := tok.StringClaim("email")
	if email == "" {
		email = tok.StringClaim("upn")
	}
	return &Identity{
		UID: tok.Subject(),
		Info: IdentityInfo{
			Name:      tok.StringClaim("name"),
			Email:     email,
			FirstName: tok.StringClaim("given_name"),
			LastName:  tok.StringClaim("family_name"),
		},
		Credentials: Credentials{Code: code},
		Extra: Extra{
			SessionState:  sessionState,
			RawIDToken:    tok.Raw,
			IDTokenClaims: maps.Clone(map[string]any(tok.Claims)),
			IDTokenHeader: maps.Clone(tok.Header),
		},
	}
}
