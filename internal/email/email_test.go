package email

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"studybuddy/internal/mocks"
	"studybuddy/internal/models"
	"studybuddy/internal/repositories"
)

type senderMock struct {
	mock.Mock
}

func (m *senderMock) Send(ctx context.Context, to, subject, htmlBody string) error {
	return m.Called(ctx, to, subject, htmlBody).Error(0)
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestConfirmer() (*Confirmer, *mocks.ConfirmationRepositoryMock, *senderMock) {
	repo := new(mocks.ConfirmationRepositoryMock)
	sender := new(senderMock)
	c := NewConfirmer(repo, sender, "https://study.example/", 0, zap.NewNop())
	c.now = func() time.Time { return fixedNow }
	return c, repo, sender
}

func TestConfirmationTokenShape(t *testing.T) {
	token := newConfirmationToken(fixedNow)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f-]{36}-[0-9a-z]+$`), token)
	assert.True(t, strings.HasSuffix(token, "-lvnrm2o0"))
}

func TestSendConfirmationStoresTokenAndMailsLink(t *testing.T) {
	c, repo, sender := newTestConfirmer()
	user := models.User{ID: "u1", Email: "ana@example.com"}

	var token string
	repo.On("CreateConfirmation", mock.Anything, "u1", "ana@example.com", mock.AnythingOfType("string"), fixedNow.Add(24*time.Hour)).
		Run(func(args mock.Arguments) { token = args.String(3) }).
		Return(models.EmailConfirmation{ID: "c1"}, nil)

	var body string
	sender.On("Send", mock.Anything, "ana@example.com", confirmSubject, mock.Anything).
		Run(func(args mock.Arguments) { body = args.String(3) }).
		Return(nil)

	require.NoError(t, c.SendConfirmation(context.Background(), user))
	require.NotEmpty(t, token)
	assert.Contains(t, body, "https://study.example/auth/confirm-email?token="+token)
	assert.Contains(t, body, "Hi ana,")
	assert.Contains(t, body, "valid for 24 hours")
}

func TestSendConfirmationStoreFailureSkipsMail(t *testing.T) {
	c, repo, sender := newTestConfirmer()
	repo.On("CreateConfirmation", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("db down"))

	err := c.SendConfirmation(context.Background(), models.User{ID: "u1", Email: "a@b.co"})
	require.Error(t, err)
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestConfirmOutcomes(t *testing.T) {
	confirmedAt := fixedNow.Add(-time.Hour)

	tests := []struct {
		name       string
		stored     any
		lookupErr  error
		wantStatus Status
		wantCode   int
		confirms   bool
	}{
		{name: "unknown token", lookupErr: repositories.ErrConfirmationNotFound, wantStatus: StatusInvalid, wantCode: http.StatusBadRequest},
		{
			name:       "already confirmed",
			stored:     models.EmailConfirmation{ID: "c1", UserID: "u1", ExpiresAt: fixedNow.Add(time.Hour), ConfirmedAt: &confirmedAt},
			wantStatus: StatusAlreadyConfirmed,
			wantCode:   http.StatusOK,
		},
		{
			name:       "expired",
			stored:     models.EmailConfirmation{ID: "c1", UserID: "u1", ExpiresAt: fixedNow.Add(-time.Minute)},
			wantStatus: StatusExpired,
			wantCode:   http.StatusBadRequest,
		},
		{
			name:       "fresh",
			stored:     models.EmailConfirmation{ID: "c1", UserID: "u1", ExpiresAt: fixedNow.Add(time.Hour)},
			wantStatus: StatusConfirmed,
			wantCode:   http.StatusOK,
			confirms:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, repo, _ := newTestConfirmer()
			repo.On("GetConfirmationByToken", mock.Anything, "tok").Return(tt.stored, tt.lookupErr)
			if tt.confirms {
				repo.On("ConfirmEmail", mock.Anything, "c1", "u1", fixedNow).Return(nil).Once()
			}

			status, err := c.Confirm(context.Background(), "tok")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, status.HTTPStatus())
			if !tt.confirms {
				repo.AssertNotCalled(t, "ConfirmEmail", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			}
			repo.AssertExpectations(t)
		})
	}
}

func TestConfirmBlankTokenAndStoreErrors(t *testing.T) {
	c, repo, _ := newTestConfirmer()

	status, err := c.Confirm(context.Background(), "  ")
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, status)
	repo.AssertNotCalled(t, "GetConfirmationByToken", mock.Anything, mock.Anything)

	repo.On("GetConfirmationByToken", mock.Anything, "tok").Return(nil, errors.New("timeout"))
	_, err = c.Confirm(context.Background(), "tok")
	assert.Error(t, err)
}

func TestRenderPage(t *testing.T) {
	assert.Contains(t, RenderPage(StatusExpired), "valid for 24 hours")
	assert.Contains(t, RenderPage(StatusInvalid), "Invalid or Expired Link")
	assert.Contains(t, RenderPage(Status("")), "Confirmation Error")
}

func TestLogSenderWhenHostEmpty(t *testing.T) {
	s := NewSender("", 587, "", "", "from@example.com", nil)
	assert.NoError(t, s.Send(context.Background(), "a@b.co", "hi", "<p>x</p>"))

	_, ok := NewSender("smtp.example.com", 587, "u", "p", "from@example.com", nil).(*SMTPSender)
	assert.True(t, ok)
}

func TestPurgeOnceRunsBothCleanups(t *testing.T) {
	confirmations := new(mocks.ConfirmationRepositoryMock)
	tokens := new(mocks.TokenRepositoryMock)
	p := NewPurger(confirmations, tokens, nil)
	p.now = func() time.Time { return fixedNow }

	confirmations.On("PurgeExpiredConfirmations", mock.Anything, fixedNow).Return(int64(0), errors.New("locked"))
	tokens.On("PurgeRevokedTokens", mock.Anything, fixedNow).Return(int64(4), nil)

	res, err := p.PurgeOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "purge confirmations")
	assert.Equal(t, PurgeResult{Tokens: 4}, res)
	tokens.AssertExpectations(t)
}

func TestStartSchedulerRejectsInvalidCron(t *testing.T) {
	p := NewPurger(new(mocks.ConfirmationRepositoryMock), new(mocks.TokenRepositoryMock), nil)

	_, err := p.StartScheduler(context.Background(), "every tuesday")
	assert.Error(t, err)

	cancel, err := p.StartScheduler(context.Background(), "")
	require.NoError(t, err)
	cancel()
}
