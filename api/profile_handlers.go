package api

import (
	"log/slog"
	"net/http"
)

// Profile returns the account data captured at signup.
func (a *API) Profile(w http.ResponseWriter, r *http.Request) {
	sess, _ := a.currentSession(r)
	u, err := a.repo.FindUserByEmail(sess.Email)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProfileResponse{
		Email:      u.Email,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		Address:    u.Address,
		City:       u.City,
		Province:   u.Province,
		PostalCode: u.PostalCode,
		Country:    u.Country,
	})
}

// ChangePassword replaces the password of the logged-in account after
// the guard verifies the current one. A confirmation mail is best
// effort.
func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ChangePasswordRequest](w, r)
	if !ok {
		return
	}
	if !a.checkCSRF(w, r, req.Token) {
		return
	}

	sess, _ := a.currentSession(r)
	if err := a.guard.ChangePassword(sess.Email, req.Current, req.Password, req.Repeat); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditPasswordChanged, r, sess.Email)

	if a.mail != nil {
		err := a.mail.Send(r.Context(), sess.Email,
			"Your password was changed",
			"Password changed",
			"If this was not you, recover your account right away.")
		if err != nil {
			a.audit.logger.Error("sending password change mail",
				slog.String("to", sess.Email),
				slog.String("error", err.Error()))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
