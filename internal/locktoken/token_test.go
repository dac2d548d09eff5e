package locktoken

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, now *time.Time) *Service {
	t.Helper()
	s, err := NewService(testSecret, 0)
	require.NoError(t, err)
	return s.WithClock(func() time.Time { return *now })
}

func TestGenerate_RoundTrip(t *testing.T) {
	now := t0
	s := newTestService(t, &now)

	tok, err := s.Generate("alpha")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(DefaultTTL), tok.ExpiresAt)

	claims := s.Verify(tok.Token)
	require.NotNil(t, claims)
	assert.Equal(t, "alpha", claims.TeamID)
	assert.Equal(t, t0, claims.IssuedAt.Time.UTC())
	assert.Equal(t, t0.Add(24*time.Hour), claims.ExpiresAt.Time.UTC())
}

func TestGenerate_EmptyTeam(t *testing.T) {
	now := t0
	_, err := newTestService(t, &now).Generate("")
	assert.Error(t, err)
}

func TestNewService_EmptySecret(t *testing.T) {
	_, err := NewService("", time.Hour)
	assert.Error(t, err)
}

func TestVerify_Expired(t *testing.T) {
	now := t0
	s := newTestService(t, &now)
	tok, err := s.Generate("alpha")
	require.NoError(t, err)

	now = t0.Add(DefaultTTL + time.Second)

	assert.Nil(t, s.Verify(tok.Token))
}

func TestVerify_TamperedClaims(t *testing.T) {
	now := t0
	s := newTestService(t, &now)
	tok, err := s.Generate("alpha")
	require.NoError(t, err)

	// Re-sign a different team with another key and splice its payload in.
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(t0.Add(time.Hour))},
		TeamID:           "beta",
	})
	forgedString, err := forged.SignedString([]byte("other-secret"))
	require.NoError(t, err)

	orig := strings.Split(tok.Token, ".")
	fake := strings.Split(forgedString, ".")
	spliced := orig[0] + "." + fake[1] + "." + orig[2]

	assert.Nil(t, s.Verify(spliced))
	assert.Nil(t, s.Verify(forgedString))
}

func TestVerify_Garbage(t *testing.T) {
	now := t0
	s := newTestService(t, &now)

	for _, in := range []string{"", "not-a-token", "a.b.c", "...."} {
		assert.Nil(t, s.Verify(in), "input %q", in)
	}
}

func TestVerify_RejectsNoneAlgorithm(t *testing.T) {
	now := t0
	s := newTestService(t, &now)
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(t0.Add(time.Hour))},
		TeamID:           "alpha",
	})
	str, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	assert.Nil(t, s.Verify(str))
}

func TestGenerate_ReissueIsIndependent(t *testing.T) {
	now := t0
	s := newTestService(t, &now)
	first, err := s.Generate("alpha")
	require.NoError(t, err)

	now = t0.Add(5 * time.Second)
	second, err := s.Generate("alpha")
	require.NoError(t, err)

	assert.NotEqual(t, first.Token, second.Token)
	assert.NotNil(t, s.Verify(first.Token))
	assert.NotNil(t, s.Verify(second.Token))
}

func TestIsExpired(t *testing.T) {
	assert.False(t, IsExpired(t0.Add(time.Second), t0))
	assert.True(t, IsExpired(t0, t0))
	assert.True(t, IsExpired(t0.Add(-time.Second), t0))
}
