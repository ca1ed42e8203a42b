package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"commgate/internal/config"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	iss, err := NewIssuer(config.AuthConfig{JWTSecret: "test-secret"})
	require.NoError(t, err)
	return iss
}

func TestServiceTokenRoundTrip(t *testing.T) {
	iss := newTestIssuer(t)

	raw, err := iss.IssueServiceToken("commgate", []string{"command.execute"})
	require.NoError(t, err)

	claims, err := iss.VerifyServiceToken(raw)
	require.NoError(t, err)
	require.Equal(t, "commgate", claims.Subject)
	require.Equal(t, []string{"command.execute"}, claims.Scopes)
}

func TestMagicLinkTokenRoundTrip(t *testing.T) {
	iss := newTestIssuer(t)

	raw, err := iss.IssueMagicLinkToken("cmd_123", "confirm", time.Minute)
	require.NoError(t, err)

	claims, err := iss.VerifyMagicLinkToken(raw)
	require.NoError(t, err)
	require.Equal(t, "cmd_123", claims.ReferenceID)
	require.Equal(t, "confirm", claims.Purpose)
}

func TestMagicLinkTokenExpired(t *testing.T) {
	iss := newTestIssuer(t)

	raw, err := iss.IssueMagicLinkToken("cmd_123", "confirm", -time.Minute)
	require.NoError(t, err)

	_, err = iss.VerifyMagicLinkToken(raw)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	a := newTestIssuer(t)
	b, err := NewIssuer(config.AuthConfig{JWTSecret: "other-secret"})
	require.NoError(t, err)

	raw, err := b.IssueMagicLinkToken("ver_1", "verify", time.Minute)
	require.NoError(t, err)

	_, err = a.VerifyMagicLinkToken(raw)
	require.ErrorIs(t, err, ErrInvalidToken)
}
