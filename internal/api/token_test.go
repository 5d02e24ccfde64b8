package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "cipherchat/pkg/errors"
)

func TestTokenRoundTrip(t *testing.T) {
	token, err := createToken("user-1", "secret")
	require.NoError(t, err)

	userID, err := parseToken(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestParseTokenWrongSecret(t *testing.T) {
	token, err := createToken("user-1", "secret")
	require.NoError(t, err)

	_, err = parseToken(token, "other-secret")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeUnauthenticated))
}

func TestParseTokenExpired(t *testing.T) {
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "user-1",
		"exp":     time.Now().Add(-time.Hour).Unix(),
	})
	tokenString, err := expired.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = parseToken(tokenString, "secret")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeUnauthenticated))
}

func TestParseTokenGarbage(t *testing.T) {
	_, err := parseToken("not-a-token", "secret")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeUnauthenticated))
}

func TestRequestTokenSources(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	assert.Empty(t, requestToken(r))

	r = httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "header-token", requestToken(r))

	// The cookie wins over the header.
	r.AddCookie(&http.Cookie{Name: "auth_token", Value: "cookie-token"})
	assert.Equal(t, "cookie-token", requestToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws?token=query-token", nil)
	assert.Equal(t, "query-token", requestToken(r))
}
