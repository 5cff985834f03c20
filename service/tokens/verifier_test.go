package tokens

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mustafaa-dev/nexa-play-api/service/business"
)

const testSecret = "test-signing-secret"

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestDecodeValidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret, "")
	token := signToken(t, testSecret, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	subject, err := verifier.Decode(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", subject)
}

func TestDecodeRejectsWrongSignature(t *testing.T) {
	verifier := NewJWTVerifier(testSecret, "")
	token := signToken(t, "some-other-secret", jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	_, err := verifier.Decode(context.Background(), token)
	require.ErrorIs(t, err, business.ErrInvalidToken)
}

func TestDecodeRejectsExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret, "")
	token := signToken(t, testSecret, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})

	_, err := verifier.Decode(context.Background(), token)
	require.ErrorIs(t, err, business.ErrInvalidToken)
}

func TestDecodeRejectsMissingExpiry(t *testing.T) {
	verifier := NewJWTVerifier(testSecret, "")
	token := signToken(t, testSecret, jwt.RegisteredClaims{Subject: "user-42"})

	_, err := verifier.Decode(context.Background(), token)
	require.ErrorIs(t, err, business.ErrInvalidToken)
}

func TestDecodeRejectsMissingSubject(t *testing.T) {
	verifier := NewJWTVerifier(testSecret, "")
	token := signToken(t, testSecret, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	_, err := verifier.Decode(context.Background(), token)
	require.ErrorIs(t, err, business.ErrInvalidToken)
}

func TestDecodeEnforcesIssuer(t *testing.T) {
	verifier := NewJWTVerifier(testSecret, "accounts.example.com")

	good := signToken(t, testSecret, jwt.RegisteredClaims{
		Subject:   "user-42",
		Issuer:    "accounts.example.com",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	subject, err := verifier.Decode(context.Background(), good)
	require.NoError(t, err)
	assert.Equal(t, "user-42", subject)

	bad := signToken(t, testSecret, jwt.RegisteredClaims{
		Subject:   "user-42",
		Issuer:    "somewhere-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	_, err = verifier.Decode(context.Background(), bad)
	require.ErrorIs(t, err, business.ErrInvalidToken)
}

func TestDecodeGarbageInput(t *testing.T) {
	verifier := NewJWTVerifier(testSecret, "")

	_, err := verifier.Decode(context.Background(), "not-a-token")
	require.ErrorIs(t, err, business.ErrInvalidToken)
}
