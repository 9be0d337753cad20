package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/service"
)

// Error codes returned in the error field of failed auth responses
const (
	CodeInvalidRequest         = "InvalidRequest"
	CodeInvalidSignature       = "InvalidSignature"
	CodeNonceExpiredOrConsumed = "NonceExpiredOrConsumed"
	CodeAlreadyInFlight        = "AlreadyInFlight"
	CodeAddressMismatch        = "AddressMismatch"
	CodeRateLimited            = "RateLimited"
	CodeUnauthorized           = "Unauthorized"
	CodeForbidden              = "Forbidden"
	CodeTokenExpired           = "TokenExpired"
	CodeInternal               = "InternalError"
)

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	authService *service.AuthService
	limiter     *RateLimiter
}

// NewAuthHandlers creates new auth handlers. A nil limiter disables per-address limits.
func NewAuthHandlers(authService *service.AuthService, limiter *RateLimiter) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
		limiter:     limiter,
	}
}

type subjectResponse struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// Nonce issues a sign-in challenge for a wallet address
func (h *AuthHandlers) Nonce(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeInvalidRequest, "Invalid request")
		return
	}

	address, err := core.NormalizeAddress(req.Address)
	if err != nil {
		writeError(c, http.StatusBadRequest, CodeInvalidRequest, "Invalid wallet address")
		return
	}
	if !h.limiter.Allow("address:" + address) {
		writeError(c, http.StatusTooManyRequests, CodeRateLimited, "Too many requests")
		return
	}

	challenge, err := h.authService.RequestNonce(c.Request.Context(), address)
	if err != nil {
		writeAuthError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"nonce":     challenge.Nonce,
		"expiresAt": challenge.ExpiresAt.UTC().Format(time.RFC3339),
		"message":   challenge.Message,
	})
}

// Verify exchanges a signed challenge for a session token
func (h *AuthHandlers) Verify(c *gin.Context) {
	var req struct {
		Address   string `json:"address" binding:"required"`
		Signature string `json:"signature" binding:"required"`
		Message   string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeInvalidRequest, "Invalid request")
		return
	}

	verified, err := h.authService.Verify(c.Request.Context(), req.Address, req.Signature, req.Message)
	if err != nil {
		writeAuthError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionToken": verified.Session.Token,
		"subject": subjectResponse{
			ID:      verified.Subject.ID,
			Address: verified.Subject.Address,
		},
		"expiresAt": verified.Session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// Logout revokes the session of the caller
func (h *AuthHandlers) Logout(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, CodeUnauthorized, "Not authenticated")
		return
	}

	if err := h.authService.Logout(c.Request.Context(), session); err != nil {
		writeError(c, http.StatusInternalServerError, CodeInternal, "Failed to logout")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// Me returns the subject of the caller
func (h *AuthHandlers) Me(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, CodeUnauthorized, "Not authenticated")
		return
	}

	subject, err := h.authService.Me(c.Request.Context(), session)
	if err != nil {
		if errors.Is(err, core.ErrSubjectNotFound) {
			writeError(c, http.StatusUnauthorized, CodeUnauthorized, "Not authenticated")
			return
		}
		writeError(c, http.StatusInternalServerError, CodeInternal, "Failed to load subject")
		return
	}

	c.JSON(http.StatusOK, subjectResponse{ID: subject.ID, Address: subject.Address})
}

// writeAuthError maps auth failures to a status code and a generic message.
// Nonce failures share one code so callers cannot probe nonce state.
func writeAuthError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrAlreadyInFlight):
		writeError(c, http.StatusConflict, CodeAlreadyInFlight, "Another verification for this address is in progress")
	case errors.Is(err, core.ErrInvalidSignature):
		writeError(c, http.StatusUnauthorized, CodeInvalidSignature, "Invalid signature")
	case errors.Is(err, core.ErrAddressMismatch):
		writeError(c, http.StatusUnauthorized, CodeAddressMismatch, "Signature does not match address")
	case core.IsNonceRejection(err),
		errors.Is(err, core.ErrMessageMismatch),
		errors.Is(err, core.ErrAttemptCancelled):
		writeError(c, http.StatusUnauthorized, CodeNonceExpiredOrConsumed, "Nonce expired or already used, request a new one")
	case errors.Is(err, core.ErrInvalidAddress),
		errors.Is(err, core.ErrInvalidRequest),
		errors.Is(err, core.ErrMessageMalformed):
		writeError(c, http.StatusBadRequest, CodeInvalidRequest, "Invalid request")
	default:
		writeError(c, http.StatusInternalServerError, CodeInternal, "Authentication failed")
	}
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}
