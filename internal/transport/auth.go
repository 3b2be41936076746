package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/qualitrace/internal/config"
	"github.com/pitabwire/qualitrace/internal/observability"
	"github.com/pitabwire/qualitrace/model"
)

// SessionClaims are the claims of a session token. The subject is the
// tester id.
type SessionClaims struct {
	SessionID string `json:"sid"`
	BatchID   string `json:"batch"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 session tokens.
type TokenIssuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates a token issuer from the identity configuration and
// the signing key.
func NewTokenIssuer(cfg config.IdentityConfig, key []byte) (*TokenIssuer, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes, got %d", len(key))
	}
	return &TokenIssuer{key: key, issuer: cfg.Issuer, ttl: cfg.TokenTTL, now: time.Now}, nil
}

// Issue returns a signed token binding the session id to the tester and
// batch, and its expiry.
func (i *TokenIssuer) Issue(sessionID, testerID, batchID string) (string, time.Time, error) {
	now := i.now()
	expires := now.Add(i.ttl)
	claims := SessionClaims{
		SessionID: sessionID,
		BatchID:   batchID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   testerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, expires, nil
}

// Verify parses and validates a session token.
func (i *TokenIssuer) Verify(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return i.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, err
	}
	if claims.SessionID == "" || claims.BatchID == "" {
		return nil, errors.New("token is missing session claims")
	}
	return claims, nil
}

// SessionAuthenticator returns middleware that verifies the bearer session
// token and stores a model.RequestContext built from its claims.
func SessionAuthenticator(issuer *TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteError(w, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			if !strings.HasPrefix(auth, "Bearer ") {
				WriteError(w, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}

			claims, err := issuer.Verify(strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				WriteError(w, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}

			rctx := &model.RequestContext{
				SessionID:     claims.SessionID,
				TesterID:      claims.Subject,
				BatchID:       claims.BatchID,
				CorrelationID: CorrelationIDFrom(r.Context()),
				TraceID:       observability.TraceIDFromContext(r.Context()),
			}
			ctx := model.WithRequestContext(r.Context(), rctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Token unverifiable"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	default:
		return "Invalid token"
	}
}
