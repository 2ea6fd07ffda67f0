package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"studybuddy/internal/models"
	"studybuddy/internal/repositories"
)

const (
	DefaultConfirmationTTL = 24 * time.Hour
	confirmSubject         = "Welcome to StudyBuddy AI - Please Confirm Your Email"
	confirmPath            = "/auth/confirm-email"
)

// Status is the outcome of following a confirmation link.
type Status string

const (
	StatusConfirmed        Status = "confirmed"
	StatusAlreadyConfirmed Status = "already_confirmed"
	StatusExpired          Status = "expired"
	StatusInvalid          Status = "invalid"
)

// HTTPStatus is the response code the confirmation page is served with.
func (s Status) HTTPStatus() int {
	switch s {
	case StatusConfirmed, StatusAlreadyConfirmed:
		return http.StatusOK
	default:
		return http.StatusBadRequest
	}
}

var confirmMailTmpl = template.Must(template.New("confirm").Parse(`<!DOCTYPE html>
<html lang="en">
<body style="font-family: sans-serif; max-width: 600px; margin: 0 auto;">
  <h1>Welcome to StudyBuddy AI</h1>
  <p>Hi {{.Name}}, thanks for signing up. Please confirm your email address to activate your account.</p>
  <p><a href="{{.Link}}">Confirm my email</a></p>
  <p>This link is valid for {{.Hours}} hours. If you did not create an account you can ignore this message.</p>
</body>
</html>`))

var confirmPageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>{{.Title}} - StudyBuddy AI</title></head>
<body style="font-family: sans-serif; text-align: center; padding: 50px;">
  <h1>{{.Title}}</h1>
  <p>{{.Body}}</p>
</body>
</html>`))

var pageText = map[Status][2]string{
	StatusConfirmed:        {"Email Confirmed", "Your email has been confirmed. Welcome to StudyBuddy AI, you can now log in."},
	StatusAlreadyConfirmed: {"Already Confirmed", "Your email has already been confirmed. You can now access all StudyBuddy AI features!"},
	StatusExpired:          {"Link Expired", "This confirmation link has expired (valid for 24 hours). Please request a new confirmation email."},
	StatusInvalid:          {"Invalid or Expired Link", "This confirmation link is invalid or has expired. Please request a new confirmation email."},
}

// RenderPage returns the HTML page shown for a confirmation outcome.
func RenderPage(status Status) string {
	text, ok := pageText[status]
	if !ok {
		text = [2]string{"Confirmation Error", "There was an error confirming your email. Please try again or contact support."}
	}
	var buf bytes.Buffer
	if err := confirmPageTmpl.Execute(&buf, map[string]string{"Title": text[0], "Body": text[1]}); err != nil {
		return text[1]
	}
	return buf.String()
}

// Confirmer issues confirmation links and redeems them.
type Confirmer struct {
	confirmations repositories.ConfirmationRepository
	sender        Sender
	baseURL       string
	ttl           time.Duration
	log           *zap.Logger
	now           func() time.Time
}

func NewConfirmer(confirmations repositories.ConfirmationRepository, sender Sender, baseURL string, ttl time.Duration, log *zap.Logger) *Confirmer {
	if ttl <= 0 {
		ttl = DefaultConfirmationTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Confirmer{
		confirmations: confirmations,
		sender:        sender,
		baseURL:       strings.TrimRight(baseURL, "/"),
		ttl:           ttl,
		log:           log,
		now:           time.Now,
	}
}

func newConfirmationToken(now time.Time) string {
	return uuid.NewString() + "-" + strconv.FormatInt(now.UnixMilli(), 36)
}

// Link is the confirmation URL for token.
func (c *Confirmer) Link(token string) string {
	return c.baseURL + confirmPath + "?token=" + url.QueryEscape(token)
}

// SendConfirmation stores a fresh token for user and mails the link.
func (c *Confirmer) SendConfirmation(ctx context.Context, user models.User) error {
	now := c.now()
	token := newConfirmationToken(now)
	if _, err := c.confirmations.CreateConfirmation(ctx, user.ID, user.Email, token, now.Add(c.ttl)); err != nil {
		return fmt.Errorf("store confirmation token: %w", err)
	}

	var body bytes.Buffer
	err := confirmMailTmpl.Execute(&body, map[string]any{
		"Name":  models.DisplayNameFromEmail(user.Email),
		"Link":  c.Link(token),
		"Hours": int(c.ttl.Hours()),
	})
	if err != nil {
		return fmt.Errorf("render confirmation email: %w", err)
	}
	if err := c.sender.Send(ctx, user.Email, confirmSubject, body.String()); err != nil {
		return fmt.Errorf("send confirmation email: %w", err)
	}
	c.log.Info("confirmation email sent", zap.String("user_id", user.ID))
	return nil
}

// Confirm redeems token. A returned error means the outcome is unknown.
func (c *Confirmer) Confirm(ctx context.Context, token string) (Status, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return StatusInvalid, nil
	}

	conf, err := c.confirmations.GetConfirmationByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repositories.ErrConfirmationNotFound) {
			return StatusInvalid, nil
		}
		return "", fmt.Errorf("load confirmation: %w", err)
	}
	if conf.ConfirmedAt != nil {
		return StatusAlreadyConfirmed, nil
	}

	now := c.now()
	if now.After(conf.ExpiresAt) {
		return StatusExpired, nil
	}
	if err := c.confirmations.ConfirmEmail(ctx, conf.ID, conf.UserID, now); err != nil {
		return "", fmt.Errorf("confirm email: %w", err)
	}
	c.log.Info("email confirmed", zap.String("user_id", conf.UserID))
	return StatusConfirmed, nil
}
