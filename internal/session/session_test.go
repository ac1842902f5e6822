package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func token(t *testing.T, claims gojwt.MapClaims) string {
	t.Helper()
	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return signed
}

func TestParseToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	claims, err := ParseToken(token(t, gojwt.MapClaims{
		"sub": "u1",
		"exp": exp.Unix(),
		"user_metadata": map[string]interface{}{
			"username":  "alice",
			"full_name": "Alice Liddell",
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.True(t, exp.Equal(claims.ExpiresAt))
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "Alice Liddell", claims.FullName)

	_, err = ParseToken(token(t, gojwt.MapClaims{"exp": exp.Unix()}))
	assert.Error(t, err)

	_, err = ParseToken("not-a-token")
	assert.Error(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	s := New()
	_, err := s.Check()
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, uint64(0), s.Generation())

	require.NoError(t, s.SignIn(token(t, gojwt.MapClaims{"sub": "u1"})))
	actor, err := s.Check()
	require.NoError(t, err)
	assert.Equal(t, "u1", actor)
	assert.Equal(t, "u1", s.ActorID())
	assert.Equal(t, SignedIn, s.State())
	assert.NotEmpty(t, s.Token())
	gen := s.Generation()

	s.Expire()
	assert.Equal(t, Expired, s.State())
	assert.Equal(t, "", s.ActorID())
	assert.Greater(t, s.Generation(), gen)
	_, err = s.Check()
	assert.ErrorIs(t, err, ErrSessionExpired)

	// Ending an ended session changes nothing
	gen = s.Generation()
	s.SignOut()
	assert.Equal(t, gen, s.Generation())
	assert.Equal(t, Expired, s.State())
}

func TestSessionTokenExpiry(t *testing.T) {
	s := New()
	now := time.Now()
	s.now = func() time.Time { return now }

	err := s.SignIn(token(t, gojwt.MapClaims{"sub": "u1", "exp": now.Add(-time.Minute).Unix()}))
	assert.ErrorIs(t, err, ErrSessionExpired)

	require.NoError(t, s.SignIn(token(t, gojwt.MapClaims{"sub": "u1", "exp": now.Add(time.Minute).Unix()})))
	_, err = s.Check()
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = s.Check()
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestSessionWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New()
	changes := s.Watch(ctx)

	require.NoError(t, s.SignIn(token(t, gojwt.MapClaims{"sub": "u1"})))
	s.SignOut()

	// Only the latest change is kept for a slow watcher
	select {
	case change := <-changes:
		assert.Equal(t, SignedOut, change.State)
		assert.Equal(t, s.Generation(), change.Generation)
	case <-time.After(time.Second):
		t.Fatal("no session change delivered")
	}
}

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("connection refused"), false},
		{ErrSessionExpired, true},
		{fmt.Errorf("failed to upload: %w", ErrUnauthorized), true},
		{errors.New("AuthApiError: Invalid Refresh Token: Already Used"), true},
		{errors.New("Refresh Token Not Found"), true},
		{errors.New("JWT expired"), true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsAuthError(tt.err), "%v", tt.err)
	}
}
