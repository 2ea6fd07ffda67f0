package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"studybuddy/internal/email"
	"studybuddy/internal/identity"
	"studybuddy/internal/middleware"
	"studybuddy/internal/models"
	"studybuddy/internal/telemetry"
)

// EmailConfirmer redeems confirmation links.
type EmailConfirmer interface {
	Confirm(ctx context.Context, token string) (email.Status, error)
}

// AuthHandler serves sign-up, sign-in and session endpoints.
type AuthHandler struct {
	provider  identity.Provider
	confirmer EmailConfirmer
	audit     *telemetry.AuditEmitter
	log       *zap.Logger
}

func NewAuthHandler(provider identity.Provider, confirmer EmailConfirmer, audit *telemetry.AuditEmitter, log *zap.Logger) *AuthHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthHandler{provider: provider, confirmer: confirmer, audit: audit, log: log}
}

type credentialsRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// SignUp handles POST /auth/signup.
func (h *AuthHandler) SignUp(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	res, err := h.provider.SignUp(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondError(h.audit, c, err)
		return
	}

	emitAudit(h.audit, c, telemetry.LevelInfo, "User signed up")
	c.JSON(http.StatusCreated, gin.H{
		"user":                  res.User,
		"token":                 res.Token,
		"expires_at":            res.ExpiresAt,
		"confirmation_required": res.Token == "",
	})
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	res, err := h.provider.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		emitAudit(h.audit, c, telemetry.LevelWarn, "Sign in rejected")
		respondError(h.audit, c, err)
		return
	}
	emitAudit(h.audit, c, telemetry.LevelInfo, "User signed in")
	c.JSON(http.StatusOK, res)
}

// Logout handles POST /auth/logout; it needs AuthMiddleware.
func (h *AuthHandler) Logout(c *gin.Context) {
	if err := h.provider.SignOut(c.Request.Context(), c.GetString(middleware.TokenKey)); err != nil {
		respondError(h.audit, c, err)
		return
	}
	emitAudit(h.audit, c, telemetry.LevelInfo, "User signed out")
	c.Status(http.StatusNoContent)
}

// Me returns the authenticated user.
func (h *AuthHandler) Me(c *gin.Context) {
	val, ok := c.Get(middleware.UserKey)
	user, isUser := val.(models.User)
	if !ok || !isUser {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// ConfirmEmail handles GET /auth/confirm-email?token= and renders an HTML page.
func (h *AuthHandler) ConfirmEmail(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.String(http.StatusBadRequest, "Missing confirmation token")
		return
	}

	status, err := h.confirmer.Confirm(c.Request.Context(), token)
	if err != nil {
		h.log.Error("confirm email", zap.Error(err))
		emitAudit(h.audit, c, telemetry.LevelError, "email confirmation failed")
		c.Data(http.StatusInternalServerError, "text/html; charset=utf-8", []byte(email.RenderPage("")))
		return
	}
	c.Data(status.HTTPStatus(), "text/html; charset=utf-8", []byte(email.RenderPage(status)))
}
