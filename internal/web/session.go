package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"tourkita/internal/errs"
	"tourkita/internal/session"
)

// sessionResponse is the JSON response shape for /api/session.
type sessionResponse struct {
	SignedIn bool            `json:"signed_in"`
	Session  session.Session `json:"session"`
	Name     string          `json:"name,omitempty"`
}

func newSessionResponse(s session.Session) sessionResponse {
	return sessionResponse{
		SignedIn: s.SignedIn(time.Now()),
		Session:  s,
		Name:     s.Name(),
	}
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	cur, ok := session.FromContext(r.Context())
	if !ok {
		cur = s.deps.Sessions.Current()
	}
	writeJSON(w, http.StatusOK, newSessionResponse(cur))
}

// handleSessionSignIn verifies a backend access token and signs the user in.
// The token comes from a Bearer Authorization header or an
// {"access_token": ...} body. Other Authorization schemes belong to the
// basic auth gate and are ignored here.
func (s *Server) handleSessionSignIn(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		var body struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeErr(w, r, errs.Invalid("api.session", err))
			return
		}
		token = body.AccessToken
	}

	action, err := session.ParseToken([]byte(s.cfg.Session.JWTSecret), token)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(s.deps.Sessions.Dispatch(action)))
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > len("Bearer ") && strings.EqualFold(h[:len("Bearer ")], "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return ""
}

// handleSessionUpdate applies a profile change to the signed-in session.
func (s *Server) handleSessionUpdate(w http.ResponseWriter, r *http.Request) {
	cur := s.deps.Sessions.Current()
	if !cur.SignedIn(time.Now()) {
		writeErr(w, r, errs.New(errs.KindUnauthorized, "api.session", errors.New("not signed in")))
		return
	}

	var body struct {
		DisplayName *string `json:"display_name"`
		AvatarURL   *string `json:"avatar_url"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body); err != nil {
		writeErr(w, r, errs.Invalid("api.session", err))
		return
	}
	next := s.deps.Sessions.Dispatch(session.ProfileUpdated{
		DisplayName: body.DisplayName,
		AvatarURL:   body.AvatarURL,
	})
	writeJSON(w, http.StatusOK, newSessionResponse(next))
}

func (s *Server) handleSessionSignOut(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newSessionResponse(s.deps.Sessions.Dispatch(session.SignedOut{})))
}
