// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "go-attendsync"

// JWTAuth signs and validates HS256 tokens. The same shape serves the
// service token sent to a PostgREST gateway and the operator token that
// guards the control API.
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
	}
}

// Claims carries the role checked by PostgREST row level security
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken generates a token for subject with the given role
func (j *JWTAuth) GenerateToken(subject, role string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a token and returns its claims
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
			return nil, fmt.Errorf("missing sub in token")
		}
		if claims.Role == "" {
			return nil, fmt.Errorf("missing role in token")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// Middleware returns an HTTP middleware that requires a valid bearer token
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
			// Safely log token prefix (max 20 chars)
			tokenPrefix := bearerToken[1]
			if len(tokenPrefix) > 20 {
				tokenPrefix = tokenPrefix[:20]
			}
			slog.Error("JWT validation failed", "error", err, "token_prefix", tokenPrefix)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := SetSubject(r.Context(), claims.Subject)
		ctx = SetRole(ctx, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TokenSource mints a service token and reuses it until shortly before it expires.
type TokenSource struct {
	auth    *JWTAuth
	subject string
	role    string
	ttl     time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource creates a cached token source. ttl defaults to one hour.
func NewTokenSource(auth *JWTAuth, subject, role string, ttl time.Duration) *TokenSource {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenSource{auth: auth, subject: subject, role: role, ttl: ttl}
}

// Token returns a valid token, minting a new one when the cached one is
// within a tenth of its lifetime from expiring.
func (s *TokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Until(s.expires) > s.ttl/10 {
		return s.token, nil
	}
	tok, err := s.auth.GenerateToken(s.subject, s.role, s.ttl)
	if err != nil {
		return "", fmt.Errorf("failed to sign service token: %w", err)
	}
	s.token = tok
	s.expires = time.Now().Add(s.ttl)
	return tok, nil
}
