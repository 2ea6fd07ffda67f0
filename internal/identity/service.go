// Package identity implements sign-up, sign-in and token verification, and
// the per-client session context built on top of them.
package identity

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	passwordvalidator "github.com/wagslane/go-password-validator"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"studybuddy/internal/apperr"
	"studybuddy/internal/models"
	"studybuddy/internal/repositories"
)

// Messages shown to users for auth failures.
const (
	msgInvalidCredentials = "Invalid email or password. Please try again."
	msgEmailNotConfirmed  = "Please confirm your email address before logging in. Check your inbox for a confirmation link."
	msgAlreadyRegistered  = "This email is already registered. Please log in instead."
	msgSessionExpired     = "Your session has expired. Please log in again."
	msgInvalidSession     = "Invalid session. Please log in again."
)

// AuthResult is a signed-in user and its session token. Token is empty when
// sign-up is waiting for email confirmation.
type AuthResult struct {
	User      models.User `json:"user"`
	Token     string      `json:"token,omitempty"`
	ExpiresAt time.Time   `json:"expires_at,omitempty"`
}

// Provider is the identity provider used by handlers and sessions.
type Provider interface {
	SignUp(ctx context.Context, email, password string) (AuthResult, error)
	SignIn(ctx context.Context, email, password string) (AuthResult, error)
	SignOut(ctx context.Context, token string) error
	Authenticate(ctx context.Context, token string) (models.User, error)
}

// ConfirmationSender delivers the sign-up confirmation link.
type ConfirmationSender interface {
	SendConfirmation(ctx context.Context, user models.User) error
}

type Options struct {
	RequireConfirmation bool
	MinPasswordEntropy  float64
}

// Service is the Provider backed by the users and revoked_tokens tables.
type Service struct {
	users    repositories.UserRepository
	tokens   repositories.TokenRepository
	issuer   *TokenIssuer
	confirm  ConfirmationSender
	opts     Options
	log      *zap.Logger
	hashCost int
}

var _ Provider = (*Service)(nil)

func NewService(users repositories.UserRepository, tokens repositories.TokenRepository, issuer *TokenIssuer, confirm ConfirmationSender, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		users:    users,
		tokens:   tokens,
		issuer:   issuer,
		confirm:  confirm,
		opts:     opts,
		log:      log,
		hashCost: bcrypt.DefaultCost,
	}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperr.Validation("Please enter a valid email address.")
	}
	return email, nil
}

func (s *Service) SignUp(ctx context.Context, email, password string) (AuthResult, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return AuthResult{}, err
	}
	if err := passwordvalidator.Validate(password, s.opts.MinPasswordEntropy); err != nil {
		return AuthResult{}, apperr.Validation("Password is too weak: " + err.Error())
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return AuthResult{}, apperr.Wrap(apperr.CodeUnknown, "could not create account", err)
	}

	user, err := s.users.CreateUser(ctx, email, string(hash), !s.opts.RequireConfirmation)
	if err != nil {
		if errors.Is(err, repositories.ErrEmailTaken) {
			return AuthResult{}, apperr.AlreadyExists(msgAlreadyRegistered)
		}
		return AuthResult{}, apperr.Persistence("could not create account", err)
	}
	s.log.Info("user signed up", zap.String("user_id", user.ID))

	if s.opts.RequireConfirmation {
		if s.confirm != nil {
			if err := s.confirm.SendConfirmation(ctx, user); err != nil {
				s.log.Error("send confirmation email", zap.String("user_id", user.ID), zap.Error(err))
			}
		}
		return AuthResult{User: user}, nil
	}
	return s.issue(user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (AuthResult, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return AuthResult{}, apperr.Unauthenticated(msgInvalidCredentials)
	}

	creds, err := s.users.GetCredentialsByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			return AuthResult{}, apperr.Unauthenticated(msgInvalidCredentials)
		}
		return AuthResult{}, apperr.Persistence("could not sign in", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(password)); err != nil {
		return AuthResult{}, apperr.Unauthenticated(msgInvalidCredentials)
	}
	if s.opts.RequireConfirmation && creds.ConfirmedAt == nil {
		return AuthResult{}, apperr.Unauthenticated(msgEmailNotConfirmed)
	}
	return s.issue(creds.User)
}

// SignOut revokes token. Tokens that are already invalid or expired need no
// revocation.
func (s *Service) SignOut(ctx context.Context, token string) error {
	claims, err := s.issuer.Parse(token)
	if err != nil {
		return nil
	}
	if err := s.tokens.RevokeToken(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return apperr.Persistence("could not sign out", err)
	}
	return nil
}

func (s *Service) Authenticate(ctx context.Context, token string) (models.User, error) {
	claims, err := s.issuer.Parse(token)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return models.User{}, apperr.Unauthenticated(msgSessionExpired)
		}
		return models.User{}, apperr.Unauthenticated(msgInvalidSession)
	}

	revoked, err := s.tokens.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		return models.User{}, apperr.Persistence("could not verify session", err)
	}
	if revoked {
		return models.User{}, apperr.Unauthenticated(msgInvalidSession)
	}

	user, err := s.users.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			return models.User{}, apperr.Unauthenticated(msgInvalidSession)
		}
		return models.User{}, apperr.Persistence("could not verify session", err)
	}
	return user, nil
}

func (s *Service) issue(user models.User) (AuthResult, error) {
	token, claims, err := s.issuer.Issue(user.ID, user.Email)
	if err != nil {
		return AuthResult{}, apperr.Wrap(apperr.CodeUnknown, "could not create session", err)
	}
	return AuthResult{User: user, Token: token, ExpiresAt: claims.ExpiresAt.Time}, nil
}
