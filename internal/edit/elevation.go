package edit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"attendsync/internal/register"
)

// DefaultElevationWindow applies when no window is configured.
const DefaultElevationWindow = 30 * time.Minute

// Verifier answers the side-channel challenge for administrator edits.
type Verifier interface {
	Verify(secret string) error
}

// BcryptVerifier checks a password against a bcrypt hash.
type BcryptVerifier struct {
	Hash []byte
}

// Verify implements Verifier.
func (v BcryptVerifier) Verify(secret string) error {
	if len(v.Hash) == 0 {
		return fmt.Errorf("%w: no admin password configured", register.ErrPermission)
	}
	if err := bcrypt.CompareHashAndPassword(v.Hash, []byte(secret)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return fmt.Errorf("%w: wrong password", register.ErrPermission)
		}
		return fmt.Errorf("verify admin password: %w", err)
	}
	return nil
}

// Elevation is the session-scoped elevated authorization of an admin.
// Validity is checked against ExpiresAt on every access.
type Elevation struct {
	verifier  Verifier
	window    time.Duration
	mu        sync.Mutex
	expiresAt time.Time
}

// NewElevation creates an elevation that is not yet granted.
func NewElevation(verifier Verifier, window time.Duration) *Elevation {
	if window <= 0 {
		window = DefaultElevationWindow
	}
	return &Elevation{verifier: verifier, window: window}
}

// Grant verifies the challenge answer and opens the window from now.
func (e *Elevation) Grant(secret string, now time.Time) error {
	if e.verifier == nil {
		return fmt.Errorf("%w: no verifier", register.ErrPermission)
	}
	if err := e.verifier.Verify(secret); err != nil {
		return err
	}
	e.mu.Lock()
	e.expiresAt = now.Add(e.window)
	e.mu.Unlock()
	return nil
}

// Valid reports whether the grant is still open at now.
func (e *Elevation) Valid(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.expiresAt.IsZero() && now.Before(e.expiresAt)
}

// ExpiresAt returns the current expiry, zero when never granted.
func (e *Elevation) ExpiresAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expiresAt
}

// Revoke closes the window immediately.
func (e *Elevation) Revoke() {
	e.mu.Lock()
	e.expiresAt = time.Time{}
	e.mu.Unlock()
}
