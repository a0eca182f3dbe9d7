package services

import (
	"testing"
	"time"

	"rillcall/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_RoundTrip(t *testing.T) {
	auth := NewAuthService("secret", "rillcall-relay", time.Hour)

	token, err := auth.GenerateToken("alice")
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantID("alice"), claims.ParticipantID)
	assert.Equal(t, "alice", claims.Subject)
}

func TestAuthService_RejectsForeignSecret(t *testing.T) {
	token, err := NewAuthService("other", "rillcall-relay", time.Hour).GenerateToken("alice")
	require.NoError(t, err)

	_, err = NewAuthService("secret", "rillcall-relay", time.Hour).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_RejectsWrongIssuer(t *testing.T) {
	token, err := NewAuthService("secret", "someone-else", time.Hour).GenerateToken("alice")
	require.NoError(t, err)

	_, err = NewAuthService("secret", "rillcall-relay", time.Hour).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_Expired(t *testing.T) {
	auth := NewAuthService("secret", "", -time.Minute)

	token, err := auth.GenerateToken("alice")
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestAuthService_RejectsNoneAlgorithm(t *testing.T) {
	claims := &Claims{ParticipantID: "mallory"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewAuthService("secret", "", time.Hour).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_RejectsGarbage(t *testing.T) {
	_, err := NewAuthService("secret", "", time.Hour).ValidateToken("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
