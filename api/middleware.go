package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gbianchi/bookshop/session"
)

type contextKey int

const sessionIDKey contextKey = iota

const (
	sessionCookieName = "bookshop_session"
	logoutPath        = "/auth/logout"
)

// SessionMiddleware guarantees every request runs with a live session:
// a missing or unknown cookie gets a fresh anonymous session, and a
// logged-in session idle past the timeout is routed to logout before
// the handler runs. The logout route itself is exempt so the redirect
// can terminate.
func (a *API) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := ""
		if cookie, err := r.Cookie(sessionCookieName); err == nil {
			sid = cookie.Value
		}

		sess, ok := session.Session{}, false
		if sid != "" {
			sess, ok = a.sessions.Get(sid)
		}
		if !ok {
			sid = session.NewToken()
			sess = session.New()
			a.sessions.Put(sid, sess)
			writeSessionCookie(w, r, sid)
		}

		if r.URL.Path != logoutPath && a.expiredIdle(&sess) {
			http.Redirect(w, r, logoutPath, http.StatusSeeOther)
			return
		}

		_ = a.sessions.Mutate(sid, func(s *session.Session) error {
			s.LastInteraction = time.Now()
			return nil
		})

		ctx := context.WithValue(r.Context(), sessionIDKey, sid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) expiredIdle(s *session.Session) bool {
	if a.idleTimeout <= 0 || !s.IsLoggedIn() {
		return false
	}
	return time.Since(s.LastInteraction) > a.idleTimeout
}

// RequireLogin rejects requests whose session carries no identity.
func (a *API) RequireLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, _ := a.currentSession(r)
		if !sess.IsLoggedIn() {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) currentSessionID(r *http.Request) string {
	sid, _ := r.Context().Value(sessionIDKey).(string)
	return sid
}

func (a *API) currentSession(r *http.Request) (session.Session, string) {
	sid := a.currentSessionID(r)
	sess, ok := a.sessions.Get(sid)
	if !ok {
		sess = session.New()
	}
	return sess, sid
}

// rotateSessionID moves the session under a fresh identifier, so a
// pre-login cookie cannot be fixed onto an authenticated session.
func (a *API) rotateSessionID(w http.ResponseWriter, r *http.Request, oldID string, sess session.Session) string {
	newID := session.NewToken()
	a.sessions.Put(newID, sess)
	a.sessions.Delete(oldID)
	writeSessionCookie(w, r, newID)
	return newID
}

func writeSessionCookie(w http.ResponseWriter, r *http.Request, sid string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
