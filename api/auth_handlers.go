package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gbianchi/bookshop/auth"
	"github.com/gbianchi/bookshop/session"
)

// Signup creates the account and logs the new user straight in.
func (a *API) Signup(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[SignupRequest](w, r)
	if !ok {
		return
	}
	if !a.checkCSRF(w, r, req.Token) {
		return
	}

	u, err := a.guard.Signup(auth.SignupForm{
		Email:      req.Email,
		Password:   req.Password,
		Repeat:     req.Repeat,
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		Address:    req.Address,
		City:       req.City,
		Province:   req.Province,
		PostalCode: req.PostalCode,
		Country:    req.Country,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditSignup, r, u.Email)
	a.sendWelcome(r, u.Email, u.FirstName)

	sess, sid := a.currentSession(r)
	sess.Login(u.ID, u.Email, u.FirstName)
	a.rotateSessionID(w, r, sid, sess)

	writeJSON(w, http.StatusCreated, SessionResponse{
		Email:       sess.Email,
		DisplayName: sess.DisplayName,
		CSRFToken:   sess.CSRFToken,
	})
}

// sendWelcome mails the post-signup greeting. Delivery is best effort;
// a failed send never fails the signup.
func (a *API) sendWelcome(r *http.Request, to, firstName string) {
	if a.mail == nil {
		return
	}
	greeting := "Welcome!"
	if firstName != "" {
		greeting = "Welcome, " + firstName + "!"
	}
	err := a.mail.Send(r.Context(), to,
		"Welcome to the bookshop",
		greeting,
		"Your account is ready. Happy reading!")
	if err != nil {
		a.audit.logger.Error("sending welcome mail",
			slog.String("to", to),
			slog.String("error", err.Error()))
	}
}

// Login evaluates the credentials through the account guard. The
// session identifier and CSRF token are rotated on success; the
// anonymous cart carries over into the authenticated session.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r)
	if !ok {
		return
	}
	if !a.checkCSRF(w, r, req.Token) {
		return
	}

	u, err := a.guard.Login(req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrAccountBlocked):
			a.audit.logFailure(AuditLoginBlocked, r, err.Error())
		default:
			a.audit.logFailure(AuditLoginFailure, r, err.Error())
		}
		a.mapError(w, r, err)
		return
	}

	sess, sid := a.currentSession(r)
	sess.Login(u.ID, u.Email, u.FirstName)
	a.rotateSessionID(w, r, sid, sess)
	a.audit.logEvent(AuditLoginSuccess, r, u.Email)

	writeJSON(w, http.StatusOK, SessionResponse{
		Email:       sess.Email,
		DisplayName: sess.DisplayName,
		CSRFToken:   sess.CSRFToken,
	})
}

// Logout destroys the session and hands out a fresh anonymous one. It
// also terminates the idle-timeout redirect, so it must stay reachable
// without a valid token.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	sess, sid := a.currentSession(r)
	if sess.IsLoggedIn() {
		a.audit.logEvent(AuditLogout, r, sess.Email)
	}
	a.sessions.Delete(sid)
	clearSessionCookie(w, r)

	fresh := session.New()
	freshID := session.NewToken()
	a.sessions.Put(freshID, fresh)
	writeSessionCookie(w, r, freshID)

	writeJSON(w, http.StatusOK, SessionResponse{CSRFToken: fresh.CSRFToken})
}

// IssueOTP generates a recovery code and mails it to the account.
func (a *API) IssueOTP(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[OTPRequest](w, r)
	if !ok {
		return
	}
	if !a.checkCSRF(w, r, req.Token) {
		return
	}

	otp, err := a.guard.IssueOTP(req.Email)
	if err != nil {
		if errors.Is(err, auth.ErrOTPAlreadySent) {
			a.audit.logFailure(AuditOTPThrottled, r, err.Error())
		}
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditOTPIssued, r, req.Email)

	if a.mail == nil {
		writeError(w, http.StatusServiceUnavailable, "mail delivery is not configured")
		return
	}
	err = a.mail.Send(r.Context(), req.Email,
		"Your password recovery code",
		"Password recovery",
		"Your one-time code is: "+otp,
		"It is valid for two minutes.")
	if err != nil {
		writeError(w, http.StatusBadGateway, "could not deliver the recovery code")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Recover sets a new password after OTP verification.
func (a *API) Recover(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[RecoverRequest](w, r)
	if !ok {
		return
	}
	if !a.checkCSRF(w, r, req.Token) {
		return
	}

	if err := a.guard.Recover(req.Email, req.OTP, req.Password, req.Repeat); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditPasswordRecovered, r, req.Email)
	w.WriteHeader(http.StatusNoContent)
}
