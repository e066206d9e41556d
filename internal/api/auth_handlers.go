package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/pricewatch/ingestd/internal/auth"
)

const maxTokenTTL = 30 * 24 * time.Hour

// AuthHandler issues bearer tokens to callers that already hold the secret.
type AuthHandler struct {
	secret string
	ttl    time.Duration
	logger *slog.Logger
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(secret string, ttl time.Duration, logger *slog.Logger) *AuthHandler {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthHandler{
		secret: secret,
		ttl:    ttl,
		logger: logger,
	}
}

// TokenRequest asks for a token for subject.
type TokenRequest struct {
	Subject    string `json:"subject"`
	TTLSeconds int    `json:"ttlSeconds,omitempty"`
}

// TokenResponse represents a token response
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IssueToken handles POST /internal/auth/token
func (h *AuthHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		writeError(w, h.logger, http.StatusNotFound, CodeNotFound, "bearer tokens are disabled without INTERNAL_SECRET")
		return
	}

	var req TokenRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeFailure(w, h.logger, "failed to issue token", err)
		return
	}
	if req.Subject == "" {
		writeFailure(w, h.logger, "failed to issue token", ValidationError{Field: "subject", Message: "subject is required"})
		return
	}

	ttl := h.ttl
	if req.TTLSeconds != 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
		if ttl <= 0 || ttl > maxTokenTTL {
			writeFailure(w, h.logger, "failed to issue token", ValidationError{Field: "ttlSeconds", Message: "ttlSeconds must be between 1 and 2592000"})
			return
		}
	}

	token, err := auth.GenerateToken(req.Subject, h.secret, ttl)
	if err != nil {
		writeFailure(w, h.logger, "failed to issue token", err)
		return
	}

	caller, _ := auth.SubjectFromContext(r.Context())
	h.logger.Info("issued token", "subject", req.Subject, "issued_by", caller, "ttl", ttl)

	writeJSON(w, h.logger, http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(ttl),
	})
}
