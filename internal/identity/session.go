package identity

import (
	"context"
	"sync"

	"studybuddy/internal/models"
)

// Session holds one client's signed-in state. Listeners registered with
// OnChange fire on every transition with the new user, or nil after sign-out.
type Session struct {
	provider Provider

	mu    sync.Mutex
	user  *models.User
	token string

	listenerMu   sync.Mutex
	listeners    map[int]func(*models.User)
	nextListener int
}

func NewSession(provider Provider) *Session {
	return &Session{provider: provider, listeners: make(map[int]func(*models.User))}
}

// Current returns the signed-in user.
func (s *Session) Current() (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return models.User{}, false
	}
	return *s.user, true
}

func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Restore signs the session in from an existing token.
func (s *Session) Restore(ctx context.Context, token string) (models.User, error) {
	user, err := s.provider.Authenticate(ctx, token)
	if err != nil {
		return models.User{}, err
	}
	s.set(&user, token)
	return user, nil
}

func (s *Session) SignIn(ctx context.Context, email, password string) (models.User, error) {
	res, err := s.provider.SignIn(ctx, email, password)
	if err != nil {
		return models.User{}, err
	}
	s.set(&res.User, res.Token)
	return res.User, nil
}

// SignUp registers a user. The session is signed in only when the provider
// issued a token, that is when no email confirmation is pending.
func (s *Session) SignUp(ctx context.Context, email, password string) (AuthResult, error) {
	res, err := s.provider.SignUp(ctx, email, password)
	if err != nil {
		return AuthResult{}, err
	}
	if res.Token != "" {
		s.set(&res.User, res.Token)
	}
	return res, nil
}

// SignOut clears local state even when revoking the token fails.
func (s *Session) SignOut(ctx context.Context) error {
	s.mu.Lock()
	token := s.token
	wasSignedIn := s.user != nil
	s.mu.Unlock()

	var err error
	if token != "" {
		err = s.provider.SignOut(ctx, token)
	}
	if wasSignedIn {
		s.set(nil, "")
	}
	return err
}

// OnChange registers fn and returns a func that removes it.
func (s *Session) OnChange(fn func(*models.User)) (unsubscribe func()) {
	s.listenerMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenerMu.Lock()
			delete(s.listeners, id)
			s.listenerMu.Unlock()
		})
	}
}

func (s *Session) set(user *models.User, token string) {
	var snapshot *models.User
	s.mu.Lock()
	if user != nil {
		u := *user
		s.user = &u
		snapshot = &u
	} else {
		s.user = nil
	}
	s.token = token
	s.mu.Unlock()

	s.listenerMu.Lock()
	fns := make([]func(*models.User), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		if snapshot == nil {
			fn(nil)
			continue
		}
		u := *snapshot
		fn(&u)
	}
}
