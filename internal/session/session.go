// Package session holds the signed-in actor the feed engine acts for.
//
// The session is parsed from an access token issued elsewhere; the engine
// never verifies signatures, it only needs the actor id and expiry to
// attribute changes and detect an expired sign-in before calling the store.
// Every sign-in, sign-out and expiry bumps the session generation so work
// started under one session can tell it has been superseded.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoSession is returned when an operation needs a signed-in actor
	ErrNoSession = errors.New("not signed in")
	// ErrSessionExpired is returned when the access token is past its expiry
	ErrSessionExpired = errors.New("session expired")
	// ErrUnauthorized is returned by boundaries that rejected the credentials
	ErrUnauthorized = errors.New("unauthorized")
)

// authMessages are error texts from the auth provider that mean the
// credentials can no longer be refreshed
var authMessages = []string{
	"invalid refresh token",
	"refresh token not found",
	"jwt expired",
}

// IsAuthError reports whether err means the session is no longer usable
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNoSession) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range authMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Claims are the parts of an access token the engine uses
type Claims struct {
	Subject   string
	ExpiresAt time.Time
	Username  string
	FullName  string
}

// ParseToken reads the claims of an access token without verifying its
// signature
func ParseToken(token string) (*Claims, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse access token: %w", err)
	}

	mapClaims := parsed.Claims.(gojwt.MapClaims)

	claims := &Claims{}
	if sub, err := mapClaims.GetSubject(); err == nil {
		claims.Subject = sub
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("access token has no subject")
	}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	if metadata, ok := mapClaims["user_metadata"].(map[string]interface{}); ok {
		if username, ok := metadata["username"].(string); ok {
			claims.Username = username
		}
		if fullName, ok := metadata["full_name"].(string); ok {
			claims.FullName = fullName
		}
	}

	return claims, nil
}

// State is the session's sign-in state
type State int

const (
	SignedOut State = iota
	SignedIn
	Expired
)

func (s State) String() string {
	switch s {
	case SignedIn:
		return "signed_in"
	case Expired:
		return "expired"
	default:
		return "signed_out"
	}
}

// Change is delivered to watchers whenever the session changes
type Change struct {
	Generation uint64
	State      State
	ActorID    string
}

// Session is the current actor's sign-in
type Session struct {
	mu         sync.RWMutex
	token      string
	claims     *Claims
	state      State
	generation uint64
	watchers   map[chan Change]struct{}

	now func() time.Time
}

// New creates a signed-out session
func New() *Session {
	return &Session{
		watchers: make(map[chan Change]struct{}),
		now:      time.Now,
	}
}

// SignIn replaces the session with the actor named by token
func (s *Session) SignIn(token string) error {
	claims, err := ParseToken(token)
	if err != nil {
		return err
	}
	if !claims.ExpiresAt.IsZero() && !s.now().Before(claims.ExpiresAt) {
		return fmt.Errorf("cannot sign in: %w", ErrSessionExpired)
	}

	s.mu.Lock()
	s.token = token
	s.claims = claims
	s.state = SignedIn
	s.generation++
	change := s.changeLocked()
	s.mu.Unlock()

	s.notify(change)
	return nil
}

// SignOut clears the session
func (s *Session) SignOut() {
	s.end(SignedOut)
}

// Expire ends the session after the credentials were rejected
func (s *Session) Expire() {
	s.end(Expired)
}

func (s *Session) end(state State) {
	s.mu.Lock()
	if s.state != SignedIn {
		s.mu.Unlock()
		return
	}
	s.token = ""
	s.claims = nil
	s.state = state
	s.generation++
	change := s.changeLocked()
	s.mu.Unlock()

	s.notify(change)
}

func (s *Session) changeLocked() Change {
	change := Change{Generation: s.generation, State: s.state}
	if s.claims != nil {
		change.ActorID = s.claims.Subject
	}
	return change
}

// ActorID returns the signed-in actor, or "" when signed out
func (s *Session) ActorID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil {
		return ""
	}
	return s.claims.Subject
}

// Claims returns a copy of the signed-in actor's claims
func (s *Session) Claims() (Claims, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil {
		return Claims{}, false
	}
	return *s.claims, true
}

// Token returns the access token, or "" when signed out
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// State returns the current sign-in state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Generation identifies the current session. It changes on every sign-in,
// sign-out and expiry.
func (s *Session) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Check returns the actor id if the session can be used for a remote call
func (s *Session) Check() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.state == Expired:
		return "", ErrSessionExpired
	case s.claims == nil:
		return "", ErrNoSession
	case !s.claims.ExpiresAt.IsZero() && !s.now().Before(s.claims.ExpiresAt):
		return "", ErrSessionExpired
	}
	return s.claims.Subject, nil
}

// Watch delivers session changes until ctx is done. A slow watcher only sees
// the latest change.
func (s *Session) Watch(ctx context.Context) <-chan Change {
	ch := make(chan Change, 1)

	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
	}()

	return ch
}

func (s *Session) notify(change Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- change
	}
}
