// Package auth guards the internal API with a shared secret, sent either
// verbatim or as the key of an HS256 bearer token.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// HeaderSecret carries the raw shared secret.
const HeaderSecret = "X-Internal-Secret"

const issuer = "ingestd"

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const subjectContextKey contextKey = "subject"

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Config holds authentication configuration
type Config struct {
	// Secret is the plain shared secret. It is also the HS256 signing key.
	Secret string
	// SecretHash is a bcrypt hash of the secret. With only a hash configured,
	// bearer tokens cannot be verified and only the secret header works.
	SecretHash    string
	TokenDuration time.Duration
}

// Claims represents the JWT claims
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier checks inbound credentials.
type Verifier struct {
	secret []byte
	hash   []byte
	// accepted memoizes the digest of the last secret that matched hash, so
	// bcrypt runs once per secret instead of once per request.
	accepted atomic.Pointer[[sha256.Size]byte]
}

// NewVerifier requires at least one of Secret and SecretHash.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Secret == "" && cfg.SecretHash == "" {
		return nil, errors.New("INTERNAL_SECRET or INTERNAL_SECRET_HASH must be set")
	}
	if cfg.SecretHash != "" {
		if _, err := bcrypt.Cost([]byte(cfg.SecretHash)); err != nil {
			return nil, fmt.Errorf("invalid INTERNAL_SECRET_HASH: %w", err)
		}
	}
	return &Verifier{secret: []byte(cfg.Secret), hash: []byte(cfg.SecretHash)}, nil
}

// CheckSecret compares a presented secret against the configured one.
func (v *Verifier) CheckSecret(presented string) bool {
	if presented == "" {
		return false
	}
	if len(v.secret) > 0 {
		return subtle.ConstantTimeCompare([]byte(presented), v.secret) == 1
	}

	digest := sha256.Sum256([]byte(presented))
	if prev := v.accepted.Load(); prev != nil && subtle.ConstantTimeCompare(digest[:], prev[:]) == 1 {
		return true
	}
	if bcrypt.CompareHashAndPassword(v.hash, []byte(presented)) != nil {
		return false
	}
	v.accepted.Store(&digest)
	return true
}

// Authenticate checks the request credentials and returns the caller's
// subject: "internal" for the raw secret, the token subject otherwise.
func (v *Verifier) Authenticate(r *http.Request) (string, error) {
	if secret := r.Header.Get(HeaderSecret); secret != "" {
		if !v.CheckSecret(secret) {
			return "", ErrInvalidCredentials
		}
		return "internal", nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrMissingCredentials
	}

	// Check for Bearer token format
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("%w: malformed authorization header", ErrInvalidCredentials)
	}
	if len(v.secret) == 0 {
		return "", fmt.Errorf("%w: bearer tokens are disabled", ErrInvalidCredentials)
	}

	subject, err := ValidateToken(parts[1], string(v.secret))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	return subject, nil
}

// GenerateToken creates a new JWT token
func GenerateToken(subject string, secret string, duration time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("signing secret is required")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateToken validates a JWT token and returns its subject
func ValidateToken(tokenString string, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims.Subject, nil
	}

	return "", fmt.Errorf("invalid token")
}

// HashSecret hashes a secret using bcrypt
func HashSecret(secret string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	return string(bytes), err
}

// Middleware rejects requests without valid credentials.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := v.Authenticate(r)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="ingestd"`)
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": "unauthorized",
					"code":  "unauthorized",
				})
				return
			}

			ctx := context.WithValue(r.Context(), subjectContextKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SubjectFromContext extracts the authenticated subject from the request context
func SubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(subjectContextKey).(string)
	return subject, ok
}
