package docstore

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrRelayTokenInvalid = errors.New("relay token invalid")

// NewRelayToken signs an HS256 token for a relay client named by `subject`.
// A zero `ttl` makes a token that does not expire.
func NewRelayToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := gojwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: gojwt.NewNumericDate(now),
	}
	if 0 < ttl {
		claims.ExpiresAt = gojwt.NewNumericDate(now.Add(ttl))
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// VerifyRelayToken checks the signature and expiry and returns the subject.
func VerifyRelayToken(secret []byte, tokenStr string) (string, error) {
	claims := &gojwt.RegisteredClaims{}
	_, err := gojwt.ParseWithClaims(
		tokenStr,
		claims,
		func(token *gojwt.Token) (any, error) {
			return secret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRelayTokenInvalid, err)
	}
	return claims.Subject, nil
}
