package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ClockSkew is the tolerance applied to nbf/iat. Expiry is checked strictly:
// a token presented at exactly exp is already dead.
const ClockSkew = 60 * time.Second

// Verifier turns an Authorization header into validated Claims.
type Verifier interface {
	Verify(ctx context.Context, authorization string) (*Claims, error)
}

// HMACVerifier validates HS256 tokens with a shared secret.
type HMACVerifier struct {
	Secret    []byte
	Issuers   []string
	Blocklist Blocklist
	now       func() time.Time
}

func NewHMACVerifier(secret []byte, issuers []string, bl Blocklist) *HMACVerifier {
	return &HMACVerifier{Secret: secret, Issuers: issuers, Blocklist: bl, now: time.Now}
}

func (v *HMACVerifier) Verify(ctx context.Context, authorization string) (*Claims, error) {
	raw, err := bearerToken(authorization)
	if err != nil {
		return nil, err
	}

	mapClaims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(), // time + issuer validated below with our skew rules
	)
	tok, err := parser.ParseWithClaims(raw, mapClaims, func(t *jwt.Token) (any, error) {
		return v.Secret, nil
	})
	if err != nil || tok == nil || !tok.Valid {
		return nil, classifyParseError(err)
	}

	claims, err := claimsFromMap(mapClaims)
	if err != nil {
		return nil, err
	}
	if err := validateTime(claims, v.nowFn()); err != nil {
		return nil, err
	}
	if err := validateIssuer(claims, v.Issuers); err != nil {
		return nil, err
	}
	if revoked(ctx, v.Blocklist, raw, claims) {
		return nil, &Error{Reason: ReasonRevoked}
	}
	return claims, nil
}

func (v *HMACVerifier) nowFn() time.Time {
	if v.now != nil {
		return v.now()
	}
	return time.Now()
}

func bearerToken(authorization string) (string, error) {
	if authorization == "" {
		return "", &Error{Reason: ReasonMissing}
	}
	if !strings.HasPrefix(authorization, "Bearer ") {
		return "", &Error{Reason: ReasonMalformed}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	if raw == "" {
		return "", &Error{Reason: ReasonMissing}
	}
	return raw, nil
}

func classifyParseError(err error) error {
	switch {
	case err == nil:
		return &Error{Reason: ReasonMalformed}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return &Error{Reason: ReasonBadSignature, err: err}
	case errors.Is(err, jwt.ErrTokenExpired):
		return &Error{Reason: ReasonExpired, err: err}
	default:
		return &Error{Reason: ReasonMalformed, err: err}
	}
}

func validateTime(c *Claims, now time.Time) error {
	if c.ExpiresAt.IsZero() {
		return &Error{Reason: ReasonMalformed, err: errors.New("token has no exp claim")}
	}
	// exp is an exclusive bound: now == exp is expired.
	if !now.Before(c.ExpiresAt) {
		return &Error{Reason: ReasonExpired}
	}
	if !c.IssuedAt.IsZero() && c.IssuedAt.After(now.Add(ClockSkew)) {
		return &Error{Reason: ReasonMalformed, err: errors.New("token issued in the future")}
	}
	return nil
}

func validateIssuer(c *Claims, issuers []string) error {
	if len(issuers) == 0 {
		return nil
	}
	for _, iss := range issuers {
		if c.Issuer == iss {
			return nil
		}
	}
	return &Error{Reason: ReasonBadIssuer}
}

func revoked(ctx context.Context, bl Blocklist, raw string, c *Claims) bool {
	if bl == nil {
		return false
	}
	return bl.Revoked(ctx, raw, c)
}
