package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gbianchi/bookshop/auth"
	"github.com/gbianchi/bookshop/cart"
	"github.com/gbianchi/bookshop/checkout"
	"github.com/gbianchi/bookshop/ebook"
	"github.com/gbianchi/bookshop/storage"
)

// genericFailure is the client-facing text for errors that carry
// internals (storage failures, wrapped driver errors). The real error
// goes to the log, never over the wire.
const genericFailure = "operation failed, try again"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *checkout.ValidationError
	switch {
	case errors.Is(err, checkout.ErrStepOrder):
		// An out-of-order step is not an error page; the visitor is
		// routed back to the cart to restart the flow.
		http.Redirect(w, r, "/cart", http.StatusSeeOther)
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, auth.ErrAccountBlocked):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, auth.ErrOTPAlreadySent):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidOTP):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrPasswordMismatch),
		errors.Is(err, auth.ErrSamePassword),
		errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, checkout.ErrUnknownSlot):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, cart.ErrItemUnavailable),
		errors.Is(err, cart.ErrEmptyCart),
		errors.Is(err, checkout.ErrOutOfStock):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, cart.ErrItemNotInCart):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ebook.ErrNotPurchased):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ebook.ErrNoEbook):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		a.audit.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, genericFailure)
	}
}
