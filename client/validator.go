package client

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ValidatorConfig configures the ID token validator.
type ValidatorConfig struct {
	Tenant      string
	SigningAlgs []string
	ClockSkew   time.Duration
	// RequireCodeHash rejects tokens without c_hash when a code is present.
	RequireCodeHash bool
}

// ValidationContext holds the values a token is checked against. Build a
// fresh one for every validation.
type ValidationContext struct {
	ExpectedIssuer   string
	ExpectedAudience string
	ExpectedNonce    string
	// Code, when set, must match the token's c_hash if it carries one.
	Code string
}

// IDToken is a verified ID token. Only Validate produces it.
type IDToken struct {
	Raw    string
	Header map[string]any
	Claims jwt.MapClaims
}

// Subject returns the "sub" claim.
func (t *IDToken) Subject() string {
	sub, _ := t.Claims.GetSubject()
	return sub
}

// StringClaim returns a string claim or "".
func (t *IDToken) StringClaim(name string) string {
	v, _ := t.Claims[name].(string)
	return v
}

// Validator verifies ID tokens against the provider's published keys.
type Validator struct {
	discovery *DiscoveryClient
	keys      *SigningKeyStore
	cfg       ValidatorConfig
	now       func() time.Time
	logger    *slog.Logger
}

// NewValidator creates a validator that resolves keys through discovery.
func NewValidator(discovery *DiscoveryClient, keys *SigningKeyStore, cfg ValidatorConfig, logger *slog.Logger) *Validator {
	if len(cfg.SigningAlgs) == 0 {
		cfg.SigningAlgs = []string{string(jose.RS256)}
	}
	return &Validator{
		discovery: discovery,
		keys:      keys,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
}

// Validate verifies rawIDToken and its claims against vc. The signature is
// checked with a key resolved from the header's kid before any claim is read.
func (v *Validator) Validate(ctx context.Context, rawIDToken string, vc ValidationContext) (*IDToken, error) {
	if rawIDToken == "" {
		return nil, ErrMissingIDToken
	}

	jws, header, err := parseStructure(rawIDToken)
	if err != nil {
		return nil, err
	}
	sig := jws.Signatures[0].Header
	alg := sig.Algorithm

	doc, err := v.discovery.Document(ctx, v.cfg.Tenant)
	if err != nil {
		return nil, err
	}
	key, err := v.keys.Resolve(ctx, doc.KeysURL(), sig.KeyID)
	if err != nil {
		return nil, err
	}

	if !slices.Contains(v.cfg.SigningAlgs, alg) {
		return nil, fmt.Errorf("%w: algorithm %q not accepted", ErrSignatureInvalid, alg)
	}
	if key.Algorithm != "" && key.Algorithm != alg {
		return nil, fmt.Errorf("%w: key %s is published for %s, token uses %s", ErrSignatureInvalid, key.KeyID, key.Algorithm, alg)
	}
	payload, err := jws.Verify(key.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	var claims jwt.MapClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrMalformedToken, err)
	}

	if err := v.checkTimes(claims); err != nil {
		return nil, err
	}
	if iss, _ := claims.GetIssuer(); vc.ExpectedIssuer == "" || iss != vc.ExpectedIssuer {
		return nil, fmt.Errorf("%w: got %q, expected %q", ErrIssuerMismatch, iss, vc.ExpectedIssuer)
	}
	aud, err := claims.GetAudience()
	if err != nil || vc.ExpectedAudience == "" || !slices.Contains(aud, vc.ExpectedAudience) {
		return nil, fmt.Errorf("%w: token audience %v does not contain %q", ErrAudienceMismatch, []string(aud), vc.ExpectedAudience)
	}
	nonce, _ := claims["nonce"].(string)
	if vc.ExpectedNonce == "" || subtle.ConstantTimeCompare([]byte(nonce), []byte(vc.ExpectedNonce)) != 1 {
		return nil, ErrNonceMismatch
	}
	if vc.Code != "" {
		if err := checkCodeHash(claims, alg, vc.Code, v.cfg.RequireCodeHash); err != nil {
			return nil, err
		}
	}

	if v.logger != nil {
		v.logger.Debug("id_token verified", "kid", key.KeyID, "alg", alg, "sub", claims["sub"])
	}
	return &IDToken{Raw: rawIDToken, Header: header, Claims: claims}, nil
}

func (v *Validator) checkTimes(claims jwt.MapClaims) error {
	now := v.now()
	skew := v.cfg.ClockSkew

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fmt.Errorf("%w: exp missing or invalid", ErrClaimExpired)
	}
	if now.After(exp.Add(skew)) {
		return fmt.Errorf("%w: expired at %s", ErrClaimExpired, exp.UTC().Format(time.RFC3339))
	}

	nbf, err := claims.GetNotBefore()
	if err != nil {
		return fmt.Errorf("%w: nbf invalid", ErrClaimNotYetValid)
	}
	if nbf != nil && now.Add(skew).Before(nbf.Time) {
		return fmt.Errorf("%w: valid from %s", ErrClaimNotYetValid, nbf.UTC().Format(time.RFC3339))
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return fmt.Errorf("%w: iat missing or invalid", ErrClaimInvalidIat)
	}
	if now.Add(skew).Before(iat.Time) {
		return fmt.Errorf("%w: issued in the future at %s", ErrClaimInvalidIat, iat.UTC().Format(time.RFC3339))
	}
	if iat.After(exp.Time) {
		return fmt.Errorf("%w: issued after expiry", ErrClaimInvalidIat)
	}
	return nil
}

// parseStructure decodes a compact JWS without verifying it.
func parseStructure(raw string) (*jose.JSONWebSignature, map[string]any, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}
	jws, err := jose.ParseSigned(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if len(jws.Signatures) != 1 {
		return nil, nil, fmt.Errorf("%w: expected one signature", ErrMalformedToken)
	}

	seg, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}
	var header map[string]any
	if err := json.Unmarshal(seg, &header); err != nil {
		return nil, nil, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}
	return jws, header, nil
}

// checkCodeHash compares c_hash with base64url(left half of hash(code)),
// the hash size following the token's algorithm. A token without c_hash
// passes unless required is set.
func checkCodeHash(claims jwt.MapClaims, alg, code string, required bool) error {
	raw, present := claims["c_hash"]
	if !present {
		if required {
			return fmt.Errorf("%w: c_hash missing", ErrCodeHashMismatch)
		}
		return nil
	}
	want, _ := raw.(string)
	if want == "" {
		return fmt.Errorf("%w: c_hash empty", ErrCodeHashMismatch)
	}
	got, err := leftHalfHash(alg, code)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCodeHashMismatch, err)
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ErrCodeHashMismatch
	}
	return nil
}

func leftHalfHash(alg, value string) (string, error) {
	var h hash.Hash
	switch {
	case strings.HasSuffix(alg, "256"):
		h = sha256.New()
	case strings.HasSuffix(alg, "384"):
		h = sha512.New384()
	case strings.HasSuffix(alg, "512"):
		h = sha512.New()
	default:
		return "", fmt.Errorf("no hash for algorithm %q", alg)
	}
	h.Write([]byte(value))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}
