package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itak-ai/itak/pkg/config"
	"github.com/itak-ai/itak/pkg/itakerrors"
)

const testToken = "itak-test-token-1"

func testAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	sum := sha256.Sum256([]byte(testToken))
	cfg := &config.SecurityConfig{APITokenHash: hex.EncodeToString(sum[:])}
	cfg.SetDefaults()
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func TestStaticTokenAccepted(t *testing.T) {
	a := testAuthenticator(t)

	claims, err := a.Authenticate(context.Background(), "10.0.0.1", testToken)
	require.NoError(t, err)
	assert.Equal(t, "api-token", claims.Subject)
	assert.Equal(t, "owner", claims.Role)
}

func TestWrongTokenRejected(t *testing.T) {
	a := testAuthenticator(t)

	_, err := a.Authenticate(context.Background(), "10.0.0.1", "nope")
	require.Error(t, err)
	assert.Equal(t, itakerrors.CategoryPermissionDenied, itakerrors.CategoryOf(err))
}

func TestEmptyTokenRejected(t *testing.T) {
	a := testAuthenticator(t)

	_, err := a.Authenticate(context.Background(), "10.0.0.1", "")
	require.Error(t, err)
	assert.Equal(t, itakerrors.CategoryPermissionDenied, itakerrors.CategoryOf(err))
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	a := testAuthenticator(t)

	var err error
	for i := 0; i < 5; i++ {
		_, err = a.Authenticate(context.Background(), "10.0.0.9", "guess")
		require.Error(t, err)
	}
	assert.Equal(t, itakerrors.CategoryRateLimited, itakerrors.CategoryOf(err),
		"the fifth failure trips the lockout")

	// Even the correct token is refused while locked out.
	_, err = a.Authenticate(context.Background(), "10.0.0.9", testToken)
	require.Error(t, err)
	assert.Equal(t, itakerrors.CategoryRateLimited, itakerrors.CategoryOf(err))

	// Other remotes are unaffected.
	_, err = a.Authenticate(context.Background(), "10.0.0.10", testToken)
	assert.NoError(t, err)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	a := testAuthenticator(t)

	for i := 0; i < 4; i++ {
		_, err := a.Authenticate(context.Background(), "10.0.0.2", "guess")
		require.Error(t, err)
	}
	_, err := a.Authenticate(context.Background(), "10.0.0.2", testToken)
	require.NoError(t, err)

	// The counter restarted, so four more failures do not lock out.
	for i := 0; i < 4; i++ {
		_, err = a.Authenticate(context.Background(), "10.0.0.2", "guess")
		require.Error(t, err)
		assert.Equal(t, itakerrors.CategoryPermissionDenied, itakerrors.CategoryOf(err))
	}
}

func TestLockoutExpires(t *testing.T) {
	tracker := newLockoutTracker(2, time.Minute, 10*time.Minute)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }

	assert.False(t, tracker.RecordFailure("r"))
	assert.True(t, tracker.RecordFailure("r"))
	assert.True(t, tracker.Locked("r"))

	now = now.Add(11 * time.Minute)
	assert.False(t, tracker.Locked("r"))
}

func TestFailuresOutsideWindowForgotten(t *testing.T) {
	tracker := newLockoutTracker(3, time.Minute, 10*time.Minute)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }

	tracker.RecordFailure("r")
	tracker.RecordFailure("r")

	// Old failures age out of the sliding window.
	now = now.Add(2 * time.Minute)
	assert.False(t, tracker.RecordFailure("r"))
	assert.False(t, tracker.Locked("r"))
}

func TestMiddleware(t *testing.T) {
	a := testAuthenticator(t)
	var seen *Claims
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClaims(r)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "no credential")

	req = httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "api-token", seen.Subject)
}

func TestMiddlewareLockoutReturns429(t *testing.T) {
	a := testAuthenticator(t)
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var rec *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
		req.RemoteAddr = "192.0.2.7:4444"
		req.Header.Set("Authorization", "Bearer wrong")
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
