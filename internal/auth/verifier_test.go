package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret")

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func hmacVerifierAt(now time.Time) *HMACVerifier {
	v := NewHMACVerifier(testSecret, nil, nil)
	v.now = func() time.Time { return now }
	return v
}

func TestVerifyExtractsClaims(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	raw := signHS256(t, testSecret, jwt.MapClaims{
		"sub":        "user-7",
		"username":   "ada",
		"roles":      []string{"admin", "user"},
		"persona_id": "p-1",
		"jti":        "tok-1",
		"iat":        now.Unix(),
		"exp":        now.Add(time.Hour).Unix(),
	})

	c, err := hmacVerifierAt(now).Verify(context.Background(), "Bearer "+raw)
	if err != nil {
		t.Fatal(err)
	}
	if c.Subject != "user-7" || c.Username != "ada" || c.PersonaID != "p-1" || c.TokenID != "tok-1" {
		t.Fatalf("claims = %+v", c)
	}
	if c.RolesCSV() != "admin,user" {
		t.Fatalf("roles = %q", c.RolesCSV())
	}
}

func TestVerifyRolesAsSpaceSeparatedString(t *testing.T) {
	now := time.Now()
	raw := signHS256(t, testSecret, jwt.MapClaims{
		"sub":   "user-7",
		"roles": "admin user",
		"exp":   now.Add(time.Hour).Unix(),
	})

	c, err := hmacVerifierAt(now).Verify(context.Background(), "Bearer "+raw)
	if err != nil {
		t.Fatal(err)
	}
	if c.RolesCSV() != "admin,user" {
		t.Fatalf("roles = %q", c.RolesCSV())
	}
}

func TestVerifyMissingAndMalformedHeader(t *testing.T) {
	v := hmacVerifierAt(time.Now())

	if _, err := v.Verify(context.Background(), ""); ReasonOf(err) != ReasonMissing {
		t.Fatalf("reason = %q, want missing_token", ReasonOf(err))
	}
	if _, err := v.Verify(context.Background(), "Basic abc"); ReasonOf(err) != ReasonMalformed {
		t.Fatalf("reason = %q, want malformed", ReasonOf(err))
	}
	if _, err := v.Verify(context.Background(), "Bearer not.a.jwt"); ReasonOf(err) != ReasonMalformed {
		t.Fatalf("reason = %q, want malformed", ReasonOf(err))
	}
}

func TestVerifyExpiryBoundary(t *testing.T) {
	exp := time.Unix(1_700_000_000, 0)
	raw := signHS256(t, testSecret, jwt.MapClaims{
		"sub": "user-7",
		"exp": exp.Unix(),
	})

	// One second before exp: valid.
	if _, err := hmacVerifierAt(exp.Add(-time.Second)).Verify(context.Background(), "Bearer "+raw); err != nil {
		t.Fatalf("token before exp rejected: %v", err)
	}

	// Exactly at exp: already expired.
	if _, err := hmacVerifierAt(exp).Verify(context.Background(), "Bearer "+raw); ReasonOf(err) != ReasonExpired {
		t.Fatalf("reason = %q, want expired at the exp instant", ReasonOf(err))
	}

	// Past exp: expired.
	if _, err := hmacVerifierAt(exp.Add(time.Hour)).Verify(context.Background(), "Bearer "+raw); ReasonOf(err) != ReasonExpired {
		t.Fatalf("reason = %q, want expired", ReasonOf(err))
	}
}

func TestVerifyMissingExpIsMalformed(t *testing.T) {
	raw := signHS256(t, testSecret, jwt.MapClaims{"sub": "user-7"})
	if _, err := hmacVerifierAt(time.Now()).Verify(context.Background(), "Bearer "+raw); ReasonOf(err) != ReasonMalformed {
		t.Fatalf("reason = %q, want malformed without exp", ReasonOf(err))
	}
}

func TestVerifyIssuedInFutureBeyondSkew(t *testing.T) {
	now := time.Now()
	raw := signHS256(t, testSecret, jwt.MapClaims{
		"sub": "user-7",
		"iat": now.Add(10 * time.Minute).Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})
	if _, err := hmacVerifierAt(now).Verify(context.Background(), "Bearer "+raw); ReasonOf(err) != ReasonMalformed {
		t.Fatalf("reason = %q, want malformed for future iat", ReasonOf(err))
	}

	// Within the skew window the token passes.
	raw = signHS256(t, testSecret, jwt.MapClaims{
		"sub": "user-7",
		"iat": now.Add(30 * time.Second).Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})
	if _, err := hmacVerifierAt(now).Verify(context.Background(), "Bearer "+raw); err != nil {
		t.Fatalf("iat within skew rejected: %v", err)
	}
}

func TestVerifyBadSignature(t *testing.T) {
	raw := signHS256(t, []byte("other-secret"), jwt.MapClaims{
		"sub": "user-7",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := hmacVerifierAt(time.Now()).Verify(context.Background(), "Bearer "+raw); ReasonOf(err) != ReasonBadSignature {
		t.Fatalf("reason = %q, want bad_signature", ReasonOf(err))
	}
}

func TestVerifyIssuerAllowList(t *testing.T) {
	now := time.Now()
	v := NewHMACVerifier(testSecret, []string{"https://idp.example.com"}, nil)
	v.now = func() time.Time { return now }

	raw := signHS256(t, testSecret, jwt.MapClaims{
		"sub": "user-7",
		"iss": "https://rogue.example.com",
		"exp": now.Add(time.Hour).Unix(),
	})
	if _, err := v.Verify(context.Background(), "Bearer "+raw); ReasonOf(err) != ReasonBadIssuer {
		t.Fatalf("reason = %q, want bad_issuer", ReasonOf(err))
	}

	raw = signHS256(t, testSecret, jwt.MapClaims{
		"sub": "user-7",
		"iss": "https://idp.example.com",
		"exp": now.Add(time.Hour).Unix(),
	})
	if _, err := v.Verify(context.Background(), "Bearer "+raw); err != nil {
		t.Fatalf("allowed issuer rejected: %v", err)
	}
}

type fakeBlocklist struct{ revoked map[string]bool }

func (f fakeBlocklist) Revoked(_ context.Context, _ string, c *Claims) bool {
	return f.revoked[c.TokenID]
}

func TestVerifyRevokedToken(t *testing.T) {
	now := time.Now()
	v := NewHMACVerifier(testSecret, nil, fakeBlocklist{revoked: map[string]bool{"tok-dead": true}})
	v.now = func() time.Time { return now }

	raw := signHS256(t, testSecret, jwt.MapClaims{
		"sub": "user-7",
		"jti": "tok-dead",
		"exp": now.Add(time.Hour).Unix(),
	})
	if _, err := v.Verify(context.Background(), "Bearer "+raw); ReasonOf(err) != ReasonRevoked {
		t.Fatalf("reason = %q, want revoked", ReasonOf(err))
	}
}
