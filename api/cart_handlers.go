package api

import (
	"net/http"
	"sort"

	"github.com/gbianchi/bookshop/cart"
	"github.com/gbianchi/bookshop/checkout"
	"github.com/gbianchi/bookshop/session"
)

// ViewCart serves the current cart with its derived total and the CSRF
// token for the follow-up submissions.
func (a *API) ViewCart(w http.ResponseWriter, r *http.Request) {
	sess, sid := a.currentSession(r)
	lines := a.carts.Items(sid)
	writeJSON(w, http.StatusOK, CartResponse{
		Lines:     cartLinesResponse(lines),
		Total:     checkout.FormatCents(cart.TotalCents(lines)),
		CSRFToken: sess.CSRFToken,
	})
}

// AddToCart puts a quantity of one book into the cart.
func (a *API) AddToCart(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CartItemRequest](w, r)
	if !ok {
		return
	}
	if !a.checkCSRF(w, r, req.Token) {
		return
	}
	if err := a.carts.Add(a.currentSessionID(r), req.BookID, req.Quantity); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.ViewCart(w, r)
}

// RemoveFromCart takes a quantity of one book out of the cart.
func (a *API) RemoveFromCart(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CartItemRequest](w, r)
	if !ok {
		return
	}
	if !a.checkCSRF(w, r, req.Token) {
		return
	}
	if err := a.carts.Remove(a.currentSessionID(r), req.BookID, req.Quantity); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.ViewCart(w, r)
}

func cartLinesResponse(lines map[string]session.CartLine) []CartLineResponse {
	ids := make([]string, 0, len(lines))
	for id := range lines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]CartLineResponse, 0, len(ids))
	for _, id := range ids {
		l := lines[id]
		out = append(out, CartLineResponse{
			BookID:    id,
			Title:     l.Title,
			Author:    l.Author,
			UnitPrice: checkout.FormatCents(l.UnitPrice),
			Quantity:  l.Quantity,
		})
	}
	return out
}
