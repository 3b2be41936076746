package integration

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/qualitrace/internal/config"
	"github.com/pitabwire/qualitrace/internal/transport"
)

const (
	testIssuer     = "https://qualitrace.test"
	testSigningKey = "integration-signing-key-0123456789"
)

// tokenIssuer wraps the server's token issuer with helpers for minting
// tokens the server should reject.
type tokenIssuer struct {
	*transport.TokenIssuer
	t *testing.T
}

func newTokenIssuer(t *testing.T, cfg config.IdentityConfig) *tokenIssuer {
	t.Helper()
	issuer, err := transport.NewTokenIssuer(cfg, []byte(testSigningKey))
	if err != nil {
		t.Fatalf("create token issuer: %v", err)
	}
	return &tokenIssuer{TokenIssuer: issuer, t: t}
}

// signed mints an HS256 token with arbitrary claims and key.
func (ti *tokenIssuer) signed(claims transport.SessionClaims, key string) string {
	ti.t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		ti.t.Fatalf("sign token: %v", err)
	}
	return token
}

// ExpiredToken returns a correctly signed token for sessionID that expired an
// hour ago.
func (ti *tokenIssuer) ExpiredToken(sessionID, testerID, batchID string) string {
	return ti.signed(transport.SessionClaims{
		SessionID: sessionID,
		BatchID:   batchID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   testerID,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}, testSigningKey)
}

// ForgedToken returns a token for sessionID signed with the wrong key.
func (ti *tokenIssuer) ForgedToken(sessionID, testerID, batchID string) string {
	return ti.signed(transport.SessionClaims{
		SessionID: sessionID,
		BatchID:   batchID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   testerID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, "not-the-server-key-not-the-server-key")
}
