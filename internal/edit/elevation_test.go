package edit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"attendsync/internal/register"
)

func bcryptVerifier(t *testing.T, password string) BcryptVerifier {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return BcryptVerifier{Hash: hash}
}

func TestElevationWindow(t *testing.T) {
	e := NewElevation(bcryptVerifier(t, "s3cret"), 30*time.Minute)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	assert.False(t, e.Valid(now), "not granted yet")

	err := e.Grant("wrong", now)
	assert.ErrorIs(t, err, register.ErrPermission)
	assert.False(t, e.Valid(now))

	require.NoError(t, e.Grant("s3cret", now))
	assert.True(t, e.Valid(now.Add(29*time.Minute)))
	assert.False(t, e.Valid(now.Add(30*time.Minute)), "expires at the window edge")
	assert.Equal(t, now.Add(30*time.Minute), e.ExpiresAt())

	require.NoError(t, e.Grant("s3cret", now))
	e.Revoke()
	assert.False(t, e.Valid(now))
}

func TestElevationDefaultWindow(t *testing.T) {
	e := NewElevation(bcryptVerifier(t, "pw"), 0)
	now := time.Now()
	require.NoError(t, e.Grant("pw", now))
	assert.Equal(t, now.Add(DefaultElevationWindow), e.ExpiresAt())
}

func TestBcryptVerifierWithoutHash(t *testing.T) {
	err := BcryptVerifier{}.Verify("anything")
	assert.ErrorIs(t, err, register.ErrPermission)
}
