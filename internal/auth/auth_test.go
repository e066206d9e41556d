package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cret-shared-value"

func protected(t *testing.T, v *Verifier) http.Handler {
	t.Helper()
	return Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, ok := SubjectFromContext(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(subject))
	}))
}

func TestNewVerifierRequiresASecret(t *testing.T) {
	_, err := NewVerifier(Config{})
	require.Error(t, err)

	_, err = NewVerifier(Config{SecretHash: "not-bcrypt"})
	require.Error(t, err)
}

func TestMiddleware_SecretHeader(t *testing.T) {
	v, err := NewVerifier(Config{Secret: testSecret})
	require.NoError(t, err)
	h := protected(t, v)

	tests := []struct {
		name   string
		secret string
		status int
	}{
		{name: "valid", secret: testSecret, status: http.StatusOK},
		{name: "wrong", secret: "guess", status: http.StatusUnauthorized},
		{name: "missing", secret: "", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/internal/runs", nil)
			if tt.secret != "" {
				req.Header.Set(HeaderSecret, tt.secret)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tt.status, rr.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "internal", rr.Body.String())
			} else {
				assert.JSONEq(t, `{"error":"unauthorized","code":"unauthorized"}`, rr.Body.String())
			}
		})
	}
}

func TestMiddleware_BearerToken(t *testing.T) {
	v, err := NewVerifier(Config{Secret: testSecret})
	require.NoError(t, err)
	h := protected(t, v)

	token, err := GenerateToken("operator@pricewatch", testSecret, time.Hour)
	require.NoError(t, err)

	expired, err := GenerateToken("operator@pricewatch", testSecret, -time.Minute)
	require.NoError(t, err)

	forged, err := GenerateToken("operator@pricewatch", "other-secret", time.Hour)
	require.NoError(t, err)

	// Same key, different algorithm.
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "valid", header: "Bearer " + token, status: http.StatusOK},
		{name: "expired", header: "Bearer " + expired, status: http.StatusUnauthorized},
		{name: "forged", header: "Bearer " + forged, status: http.StatusUnauthorized},
		{name: "wrong algorithm", header: "Bearer " + hs512, status: http.StatusUnauthorized},
		{name: "malformed", header: "Token " + token, status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/internal/runs", nil)
			req.Header.Set("Authorization", tt.header)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tt.status, rr.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "operator@pricewatch", rr.Body.String())
			}
		})
	}
}

func TestVerifier_HashedSecret(t *testing.T) {
	hash, err := HashSecret(testSecret)
	require.NoError(t, err)

	v, err := NewVerifier(Config{SecretHash: hash})
	require.NoError(t, err)

	assert.True(t, v.CheckSecret(testSecret))
	assert.True(t, v.CheckSecret(testSecret), "memoized match")
	assert.False(t, v.CheckSecret("guess"))
	assert.False(t, v.CheckSecret(""))

	token, err := GenerateToken("operator", testSecret, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/internal/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, err = v.Authenticate(req)
	assert.ErrorIs(t, err, ErrInvalidCredentials, "bearer tokens need the plain secret")
}

func TestGenerateTokenRequiresSecret(t *testing.T) {
	_, err := GenerateToken("operator", "", time.Hour)
	require.Error(t, err)
}
