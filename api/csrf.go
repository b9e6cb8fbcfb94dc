package api

import (
	"crypto/subtle"
	"net/http"
)

// checkCSRF compares the token submitted inside the request body with
// the session's token. On mismatch it answers 405 and logs the event;
// the caller must return without changing any state.
//
// The token travels in the body rather than a header because every
// mutation here is a form-style submission; a cross-site request can
// neither read the session token nor forge it.
func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request, submitted string) bool {
	sess, _ := a.currentSession(r)
	if submitted == "" ||
		subtle.ConstantTimeCompare([]byte(sess.CSRFToken), []byte(submitted)) != 1 {
		a.audit.logFailure(AuditCSRFRejected, r, "token mismatch")
		writeError(w, http.StatusMethodNotAllowed, "invalid request token")
		return false
	}
	return true
}
