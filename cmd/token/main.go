package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Mints HS256 tokens for local development against auth.mode hmac.
func main() {
	var secret string
	var sub string
	var username string
	var roles string
	var persona string
	var issuer string
	var ttl time.Duration
	flag.StringVar(&secret, "secret", "dev-secret", "HS256 secret")
	flag.StringVar(&sub, "sub", "user_123", "subject claim")
	flag.StringVar(&username, "username", "dev", "username claim")
	flag.StringVar(&roles, "roles", "user", "comma-separated roles claim")
	flag.StringVar(&persona, "persona", "", "persona_id claim (optional)")
	flag.StringVar(&issuer, "iss", "", "issuer claim (optional)")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; negative mints an expired token")
	flag.Parse()

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      sub,
		"username": username,
		"roles":    strings.Split(roles, ","),
		"jti":      uuid.NewString(),
		"iat":      now.Unix(),
		"exp":      now.Add(ttl).Unix(),
	}
	if persona != "" {
		claims["persona_id"] = persona
	}
	if issuer != "" {
		claims["iss"] = issuer
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	fmt.Println(s)
}
