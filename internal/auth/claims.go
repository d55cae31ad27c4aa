package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the validated token payload the gateway cares about. Everything
// downstream sees of the caller's identity is derived from here.
type Claims struct {
	Subject   string
	Username  string
	Roles     []string
	PersonaID string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
	TokenID   string // jti, used by the blocklist when present
}

// claimsFromMap pulls the gateway claim set out of a verified token.
// roles may arrive as a JSON array or a space-separated string.
func claimsFromMap(m jwt.MapClaims) (*Claims, error) {
	sub, _ := m["sub"].(string)
	if sub == "" {
		return nil, &Error{Reason: ReasonMalformed, err: errMissingSub}
	}

	c := &Claims{Subject: sub}
	c.Username, _ = m["username"].(string)
	c.PersonaID, _ = m["persona_id"].(string)
	c.Issuer, _ = m["iss"].(string)
	c.TokenID, _ = m["jti"].(string)
	c.Roles = extractRoles(m["roles"])

	if exp, ok := numericTime(m["exp"]); ok {
		c.ExpiresAt = exp
	}
	if iat, ok := numericTime(m["iat"]); ok {
		c.IssuedAt = iat
	}
	return c, nil
}

func extractRoles(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return strings.Fields(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, it := range t {
			if s, ok := it.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	default:
		return nil
	}
}

func numericTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0), true
	case int64:
		return time.Unix(t, 0), true
	default:
		return time.Time{}, false
	}
}

// RolesCSV renders roles the way the stamped X-User-Roles header wants them.
func (c *Claims) RolesCSV() string {
	return strings.Join(c.Roles, ",")
}
