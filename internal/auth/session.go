// Package auth holds the session state of the voiceclone client: who is
// logged in and which credential pair the API client sends.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voiceclone/internal/api"
	"github.com/book-expert/voiceclone/internal/core"
	"github.com/golang-jwt/jwt/v5"
)

// Backend paths.
const (
	DefaultLoginPath = "/api/auth/token/"
	RegisterPath     = "/api/auth/register/"
	UserPath         = "/api/auth/user/"
)

const (
	msgLoginFailed        = "login failed"
	msgRegistrationFailed = "registration failed"
	msgUserFetchFailed    = "failed to fetch user data"
)

// Log messages.
const (
	logFmtLoggedIn        = "Logged in as %s"
	logFmtRegistered      = "Registered %s"
	logLoggedOut          = "Logged out"
	logFmtSessionRestored = "Session restored for %s"
	logFmtSessionInvalid  = "Stored session is no longer valid: %v"
	logFmtSessionExpired  = "Session expired: %v"
	logFmtUserFallback    = "Could not fetch user after login, using %s: %v"
)

var (
	// ErrPasswordMismatch is returned by Register before any network call.
	ErrPasswordMismatch = errors.New("passwords don't match")
	// ErrNotAuthenticated is returned when no access token is stored.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrNoExpiry is returned when the access token carries no exp claim.
	ErrNoExpiry = errors.New("access token has no expiry")

	errClientNil     = errors.New("api client cannot be nil")
	errLoggerNil     = errors.New("logger cannot be nil")
	errMissingTokens = errors.New("response has no token pair")
)

// User is the logged-in account.
type User struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// RegisterInput is the registration form.
type RegisterInput struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Password2 string `json:"password2"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Error is a login or session failure carrying the backend's message.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

type tokenResponse struct {
	Access   string `json:"access"`
	Refresh  string `json:"refresh"`
	User     *User  `json:"user"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Session tracks the current user and owns the stored credential pair.
type Session struct {
	client    *api.Client
	store     core.TokenStore
	log       *logger.Logger
	loginPath string

	mu        sync.RWMutex
	user      *User
	onExpired func(error)
}

// NewSession binds a session to client. An empty loginPath selects
// DefaultLoginPath.
func NewSession(client *api.Client, log *logger.Logger, loginPath string) (*Session, error) {
	if client == nil {
		return nil, errClientNil
	}

	if log == nil {
		return nil, errLoggerNil
	}

	if loginPath == "" {
		loginPath = DefaultLoginPath
	}

	session := &Session{
		client:    client,
		store:     client.Store(),
		log:       log,
		loginPath: loginPath,
	}

	client.OnSessionExpired(session.expired)

	return session, nil
}

// OnExpired registers a callback run after the client gave up on the
// stored credentials. It stands in for the redirect to the login page.
func (s *Session) OnExpired(handler func(error)) {
	s.mu.Lock()
	s.onExpired = handler
	s.mu.Unlock()
}

// Init restores the session from stored credentials. Without a stored
// access token it does nothing; if the user cannot be fetched the session
// is logged out and the cause returned.
func (s *Session) Init(ctx context.Context) error {
	_, err := s.store.Get(ctx, core.AccessTokenKey)
	if errors.Is(err, core.ErrTokenNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to read stored access token: %w", err)
	}

	user, err := s.fetchUser(ctx)
	if err != nil {
		s.log.Warn(logFmtSessionInvalid, err)

		logoutErr := s.Logout(ctx)

		return errors.Join(err, logoutErr)
	}

	s.setUser(user)
	s.log.Info(logFmtSessionRestored, user.Username)

	return nil
}

// Login exchanges credentials for a token pair and persists it.
func (s *Session) Login(ctx context.Context, username, password string) (*User, error) {
	resp, err := s.client.Do(ctx, &api.Request{
		Method:    http.MethodPost,
		Path:      s.loginPath,
		Body:      map[string]string{"username": username, "password": password},
		NoRefresh: true,
	})
	if err != nil {
		return nil, &Error{Message: api.MessageOf(err, msgLoginFailed), Err: err}
	}

	var tokens tokenResponse

	err = resp.Decode(&tokens)
	if err != nil {
		return nil, &Error{Message: msgLoginFailed, Err: err}
	}

	err = s.persist(ctx, tokens)
	if err != nil {
		return nil, &Error{Message: msgLoginFailed, Err: err}
	}

	user := tokens.User
	if user == nil {
		user, err = s.fetchUser(ctx)
		if err != nil {
			s.log.Warn(logFmtUserFallback, username, err)

			user = &User{Username: username}
		}
	}

	s.setUser(user)
	s.log.Info(logFmtLoggedIn, user.Username)

	return user, nil
}

// Register creates an account and logs it in. A backend that answers
// registration without tokens is followed by a regular login.
func (s *Session) Register(ctx context.Context, input RegisterInput) (*User, error) {
	if input.Password != input.Password2 {
		return nil, ErrPasswordMismatch
	}

	resp, err := s.client.Do(ctx, &api.Request{
		Method:    http.MethodPost,
		Path:      RegisterPath,
		Body:      input,
		NoRefresh: true,
	})
	if err != nil {
		return nil, newRegistrationError(err)
	}

	var created tokenResponse

	err = resp.Decode(&created)
	if err != nil {
		return nil, &RegistrationError{Kind: ErrorKindMessage{Text: msgRegistrationFailed}, Err: err}
	}

	s.log.Info(logFmtRegistered, input.Username)

	if created.Access == "" {
		return s.Login(ctx, input.Username, input.Password)
	}

	err = s.persist(ctx, created)
	if err != nil {
		return nil, &RegistrationError{Kind: ErrorKindMessage{Text: msgRegistrationFailed}, Err: err}
	}

	user := created.User
	if user == nil {
		user = &User{Username: input.Username, Email: input.Email}
	}

	s.setUser(user)
	s.log.Info(logFmtLoggedIn, user.Username)

	return user, nil
}

// Logout deletes both tokens and forgets the user.
func (s *Session) Logout(ctx context.Context) error {
	var errs []error

	for _, key := range []string{core.AccessTokenKey, core.RefreshTokenKey} {
		err := s.store.Delete(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to delete %s token: %w", key, err))
		}
	}

	s.client.ClearDefaultAuthorization()
	s.setUser(nil)
	s.log.Info(logLoggedOut)

	return errors.Join(errs...)
}

// User returns the logged-in user, or nil.
func (s *Session) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.user == nil {
		return nil
	}

	user := *s.user

	return &user
}

// Authenticated reports whether a user is logged in.
func (s *Session) Authenticated() bool {
	return s.User() != nil
}

// TokenExpiry reads the exp claim of the stored access token. The token is
// not verified; the result is informational only.
func (s *Session) TokenExpiry(ctx context.Context) (time.Time, error) {
	token, err := s.store.Get(ctx, core.AccessTokenKey)
	if errors.Is(err, core.ErrTokenNotFound) {
		return time.Time{}, ErrNotAuthenticated
	}

	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read stored access token: %w", err)
	}

	var claims jwt.RegisteredClaims

	_, _, err = jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse access token: %w", err)
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}

	return claims.ExpiresAt.Time, nil
}

func (s *Session) fetchUser(ctx context.Context) (*User, error) {
	var user User

	err := s.client.DoJSON(ctx, http.MethodGet, UserPath, nil, &user)
	if err != nil {
		return nil, &Error{Message: msgUserFetchFailed, Err: err}
	}

	return &user, nil
}

func (s *Session) persist(ctx context.Context, tokens tokenResponse) error {
	if tokens.Access == "" || tokens.Refresh == "" {
		return errMissingTokens
	}

	err := s.store.Set(ctx, core.AccessTokenKey, tokens.Access)
	if err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}

	err = s.store.Set(ctx, core.RefreshTokenKey, tokens.Refresh)
	if err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	return nil
}

func (s *Session) setUser(user *User) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
}

// expired runs after the client cleared the tokens.
func (s *Session) expired(cause error) {
	s.log.Warn(logFmtSessionExpired, cause)

	s.mu.Lock()
	s.user = nil
	handler := s.onExpired
	s.mu.Unlock()

	if handler != nil {
		handler(cause)
	}
}
