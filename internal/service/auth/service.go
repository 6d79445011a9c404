// Package auth implements email/password accounts with bearer session tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/greenbot/backend/internal/config"
	"github.com/zhouzirui/greenbot/backend/internal/store/remote"
)

var (
	ErrInvalidEmail       = errors.New("a valid email is required")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrEmailTaken         = errors.New("an account with this email already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUnauthorized       = errors.New("session is invalid or expired")
)

const minPasswordLength = 8

var log = logrus.WithField("component", "auth")

// Store is the account persistence the service needs; *remote.DB satisfies it.
type Store interface {
	CreateUser(ctx context.Context, email, passwordHash string) (remote.User, error)
	FindUserByEmail(ctx context.Context, email string) (remote.User, error)
	FindUserByID(ctx context.Context, id string) (remote.User, error)
	CreateSession(ctx context.Context, session remote.AuthSession) error
	FindSession(ctx context.Context, token string) (remote.AuthSession, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// Session is returned to clients after sign-up or sign-in.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Service issues and validates sessions.
type Service struct {
	store Store
	cfg   config.AuthConfig
	cost  int
	now   func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithHashCost sets the bcrypt cost.
func WithHashCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

// NewService creates the auth service.
func NewService(store Store, cfg config.AuthConfig, opts ...Option) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 7 * 24 * time.Hour
	}
	s := &Service{
		store: store,
		cfg:   cfg,
		cost:  bcrypt.DefaultCost,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init starts the expired-session sweeper.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.cfg.SweepInterval <= 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.wg.Add(1)
	go s.sweep(ctx)
	return nil
}

// Dispose stops the sweeper.
func (s *Service) Dispose() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

func (s *Service) sweep(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				log.WithError(err).Warn("session sweep failed")
			}
		}
	}
}

// Sweep deletes expired sessions.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredSessions(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.WithField("count", n).Info("removed expired sessions")
	}
	return n, nil
}

// SignUp creates an account and signs it in.
func (s *Service) SignUp(ctx context.Context, email, password string) (Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Session{}, err
	}
	if len(password) < minPasswordLength {
		return Session{}, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, email, string(hash))
	if errors.Is(err, remote.ErrUserExists) {
		return Session{}, ErrEmailTaken
	}
	if err != nil {
		return Session{}, err
	}

	log.WithField("user", user.ID).Info("account created")
	return s.issue(ctx, user)
}

// SignIn checks the password and issues a new session.
func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Session{}, ErrInvalidCredentials
	}

	user, err := s.store.FindUserByEmail(ctx, email)
	if errors.Is(err, remote.ErrUserNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Session{}, ErrInvalidCredentials
	}
	return s.issue(ctx, user)
}

// Resolve returns the user behind a live token.
func (s *Service) Resolve(ctx context.Context, token string) (remote.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return remote.User{}, ErrUnauthorized
	}

	session, err := s.store.FindSession(ctx, token)
	if errors.Is(err, remote.ErrSessionNotFound) {
		return remote.User{}, ErrUnauthorized
	}
	if err != nil {
		return remote.User{}, err
	}
	if !s.now().Before(session.ExpiresAt) {
		return remote.User{}, ErrUnauthorized
	}

	user, err := s.store.FindUserByID(ctx, session.UserID)
	if errors.Is(err, remote.ErrUserNotFound) {
		return remote.User{}, ErrUnauthorized
	}
	return user, err
}

// SignOut revokes a token. Unknown tokens are ignored.
func (s *Service) SignOut(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return s.store.DeleteSession(ctx, token)
}

func (s *Service) issue(ctx context.Context, user remote.User) (Session, error) {
	now := s.now().UTC()
	session := remote.AuthSession{
		Token:     strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", ""),
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return Session{}, err
	}
	return Session{Token: session.Token, UserID: user.ID, Email: user.Email, ExpiresAt: session.ExpiresAt}, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}
