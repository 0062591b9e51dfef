package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const operatorIssuer = "asset-exchange"

var errNoSecret = errors.New("operator secret is not configured")

type operatorKey struct{}

// IssueOperatorToken signs an HS256 token for subject valid for ttl.
func IssueOperatorToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errNoSecret
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    operatorIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(secret)
}

// parseOperatorToken returns the token's subject.
func parseOperatorToken(secret []byte, tokenString string) (string, error) {
	if len(secret) == 0 {
		return "", errNoSecret
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(operatorIssuer))
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// OperatorFromContext returns the authenticated operator of a request.
func OperatorFromContext(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(operatorKey{}).(string)
	return sub, ok
}

// requireOperator verifies the bearer token on write routes.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		subject, err := parseOperatorToken(s.secret, tokenString)
		if err != nil {
			log.Debug("operator token rejected", "remote", r.RemoteAddr, "err", err)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), operatorKey{}, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
