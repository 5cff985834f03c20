// Package tokens decodes client bearer credentials into subject identifiers.
package tokens

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mustafaa-dev/nexa-play-api/service/business"
)

// JWTVerifier validates HMAC-signed tokens and extracts the subject claim.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier builds a verifier for HS256 tokens. issuer is optional; when
// set, tokens from any other issuer are rejected.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
	}
}

// Decode validates the token and returns its subject. All failures wrap
// business.ErrInvalidToken.
func (v *JWTVerifier) Decode(_ context.Context, token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", business.ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject claim", business.ErrInvalidToken)
	}
	return claims.Subject, nil
}
