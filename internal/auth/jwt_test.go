package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/checkin-call-engine/internal/config"
	apperrors "github.com/acme/checkin-call-engine/pkg/errors"
)

func testVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(config.AuthConfig{JWTSecret: "secret", Issuer: "checkin-app", Audience: "checkin-engine"})
	require.NoError(t, err)
	return v
}

func TestVerifyRoundTrip(t *testing.T) {
	v := testVerifier(t)
	user := uuid.New()

	token, err := v.Issue(user, time.Hour)
	require.NoError(t, err)

	got, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, user, got)
}

func TestVerifyRejects(t *testing.T) {
	v := testVerifier(t)
	user := uuid.New()

	expired, err := v.Issue(user, -time.Hour)
	require.NoError(t, err)

	other, err := NewVerifier(config.AuthConfig{JWTSecret: "other", Issuer: "checkin-app", Audience: "checkin-engine"})
	require.NoError(t, err)
	wrongKey, err := other.Issue(user, time.Hour)
	require.NoError(t, err)

	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   user.String(),
		Issuer:    "someone-else",
		Audience:  jwt.ClaimStrings{"checkin-engine"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	notUUID, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ada",
		Issuer:    "checkin-app",
		Audience:  jwt.ClaimStrings{"checkin-engine"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"expired":      expired,
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"bad subject":  notUUID,
		"garbage":      "not.a.token",
	} {
		_, err := v.Verify(token)
		assert.True(t, errors.Is(err, apperrors.ErrUnauthorized), "%s: expected unauthorized, got %v", name, err)
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier(config.AuthConfig{})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}
