// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is stamped into every token minted by JWTAuth.
const Issuer = "go-budgetsync"

// JWTAuth signs and validates HS256 tokens for the budget API
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
	}
}

// Claims carries the user's display name and the households they belong to.
// The user id travels in the standard "sub" claim.
type Claims struct {
	Name   string   `json:"name"`
	Houses []string `json:"houses"`
	jwt.RegisteredClaims
}

// HouseID returns the first household of the user, the one the client syncs.
func (c *Claims) HouseID() string {
	if len(c.Houses) == 0 {
		return ""
	}
	return c.Houses[0]
}

// GenerateToken generates a token for userID valid for expiration
func (j *JWTAuth) GenerateToken(userID, name string, houses []string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Name:   name,
		Houses: houses,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuth) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (user ID) in token")
		}
		if claims.HouseID() == "" {
			return nil, fmt.Errorf("missing houses in token")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// Middleware rejects requests without a valid bearer token and stores the
// caller's identity in the request context.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || bearerToken[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := j.ValidateToken(bearerToken[1])
		if err != nil {
			tokenPrefix := bearerToken[1]
			if len(tokenPrefix) > 20 {
				tokenPrefix = tokenPrefix[:20]
			}
			slog.Error("JWT validation failed", "error", err, "token_prefix", tokenPrefix)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := SetAuthContext(r.Context(), claims.Subject, claims.Name, claims.HouseID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
