package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"

	apperrors "cipherchat/pkg/errors"
)

const tokenTTL = 30 * 24 * time.Hour

// createToken issues the signed identity token handed to clients at login.
func createToken(userID, secret string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(tokenTTL).Unix(),
	})
	return token.SignedString([]byte(secret))
}

// parseToken validates the token and returns the caller's user id. This is
// the identity-resolution collaborator: everything past this point trusts
// the returned id.
func parseToken(tokenString, secret string) (string, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", apperrors.Unauthorized("invalid token")
	}

	exp, ok := claims["exp"].(float64)
	if !ok || int64(exp) < time.Now().Unix() {
		return "", apperrors.Unauthorized("token expired")
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", apperrors.Unauthorized("invalid user id in token")
	}
	return userID, nil
}

// requestToken pulls the token from the auth cookie, the Authorization
// header, or (for websocket upgrades) the token query parameter.
func requestToken(r *http.Request) string {
	if cookie, err := r.Cookie("auth_token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
