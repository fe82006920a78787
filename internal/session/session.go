// Package session holds the signed-in user's session as an immutable value.
// Every change goes through Reduce, so a Session read from the Store or a
// request context never changes under the reader.
package session

import (
	"context"
	"sync"
	"time"
)

// Session is the current user. The zero value is the signed-out session.
type Session struct {
	UserID      string    `json:"user_id,omitempty"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
}

// SignedIn reports whether s belongs to a user and has not expired at now.
func (s Session) SignedIn(now time.Time) bool {
	if s.UserID == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// Name returns the display name, falling back to the email.
func (s Session) Name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Email
}

// Action is a change applied to a Session by Reduce.
type Action interface {
	apply(Session) Session
}

// SignedIn replaces the session with a freshly authenticated user.
type SignedIn struct {
	UserID      string
	Email       string
	DisplayName string
	AvatarURL   string
	ExpiresAt   time.Time
}

func (a SignedIn) apply(Session) Session {
	return Session{
		UserID:      a.UserID,
		Email:       a.Email,
		DisplayName: a.DisplayName,
		AvatarURL:   a.AvatarURL,
		ExpiresAt:   a.ExpiresAt,
	}
}

// ProfileUpdated changes profile fields of a signed-in session. Nil fields
// are left alone.
type ProfileUpdated struct {
	DisplayName *string
	AvatarURL   *string
}

func (a ProfileUpdated) apply(s Session) Session {
	if s.UserID == "" {
		return s
	}
	if a.DisplayName != nil {
		s.DisplayName = *a.DisplayName
	}
	if a.AvatarURL != nil {
		s.AvatarURL = *a.AvatarURL
	}
	return s
}

// SignedOut clears the session.
type SignedOut struct{}

func (SignedOut) apply(Session) Session {
	return Session{}
}

// Reduce returns the session that results from applying a to s. s itself is
// never modified. A nil action returns s unchanged.
func Reduce(s Session, a Action) Session {
	if a == nil {
		return s
	}
	return a.apply(s)
}

// Store holds the current Session and applies actions to it.
type Store struct {
	mu      sync.RWMutex
	current Session
}

// NewStore returns a Store holding the signed-out session.
func NewStore() *Store {
	return &Store{}
}

// Current returns the current session value.
func (st *Store) Current() Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// Dispatch applies a and returns the new session.
func (st *Store) Dispatch(a Action) Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.current = Reduce(st.current, a)
	return st.current
}

type ctxKey struct{}

// WithSession returns a context carrying s.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session carried by ctx and whether one was set.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(Session)
	return s, ok
}
