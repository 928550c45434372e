package handler

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
)

// HeaderUserID carries the acting user when token verification is disabled.
const HeaderUserID = "X-User-ID"

// Claims are the JWT claims the service reads. The actor comes from user_id,
// falling back to sub.
type Claims struct {
	UserID any `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier checks bearer tokens signed with RS256 (public key) or HS256
// (shared secret).
type TokenVerifier struct {
	publicKey *rsa.PublicKey
	secret    []byte
}

// NewTokenVerifier prefers the PEM public key when both are given.
func NewTokenVerifier(publicKeyPEM []byte, hmacSecret string) (*TokenVerifier, error) {
	if len(publicKeyPEM) > 0 {
		key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		return &TokenVerifier{publicKey: key}, nil
	}
	if hmacSecret != "" {
		return &TokenVerifier{secret: []byte(hmacSecret)}, nil
	}
	return nil, fmt.Errorf("auth enabled but neither public key nor hmac secret configured")
}

// Verify validates the token and returns the acting user id.
func (v *TokenVerifier) Verify(tokenStr string) (int64, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tokenStr), "Bearer "))
	if tokenStr == "" {
		return 0, errors.New(errors.ErrCodeUnauthorized, "missing bearer token")
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if v.publicKey != nil {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.publicKey, nil
		}
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeUnauthorized, "invalid token")
	}
	if !token.Valid {
		return 0, errors.New(errors.ErrCodeUnauthorized, "invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return 0, errors.New(errors.ErrCodeUnauthorized, "invalid claims")
	}
	if id, ok := parseUserID(claims.UserID); ok {
		return id, nil
	}
	if id, ok := parseUserID(claims.Subject); ok {
		return id, nil
	}
	return 0, errors.New(errors.ErrCodeUnauthorized, "token carries no numeric user id")
}

func parseUserID(raw any) (int64, bool) {
	switch v := raw.(type) {
	case float64:
		if v > 0 && v == math.Trunc(v) {
			return int64(v), true
		}
	case json.Number:
		if id, err := v.Int64(); err == nil && id > 0 {
			return id, true
		}
	case string:
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && id > 0 {
			return id, true
		}
	}
	return 0, false
}

// ── Actor context ────────────────────────────────────────────────────────────

type actorKey struct{}

// WithActor stores the acting user id in ctx.
func WithActor(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFrom returns the acting user id stored by the auth middleware.
func ActorFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(actorKey{}).(int64)
	return id, ok
}

// Authenticate resolves the actor of each request. With a verifier the
// Authorization header is required; without one the X-User-ID header is
// trusted as is and may be absent.
func Authenticate(verifier *TokenVerifier, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				if raw := r.Header.Get(HeaderUserID); raw != "" {
					id, ok := parseUserID(raw)
					if !ok {
						writeError(w, log, errors.InvalidInput(HeaderUserID, "must be a positive integer"))
						return
					}
					r = r.WithContext(WithActor(r.Context(), id))
				}
				next.ServeHTTP(w, r)
				return
			}

			id, err := verifier.Verify(r.Header.Get("Authorization"))
			if err != nil {
				log.Warn().Err(err).Str("path", r.URL.Path).Msg("auth failure")
				writeError(w, log, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), id)))
		})
	}
}
