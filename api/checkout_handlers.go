package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gbianchi/bookshop/checkout"
)

// PaymentPage opens the first checkout step. With an empty cart there
// is nothing to check out and the visitor goes back to the cart.
func (a *API) PaymentPage(w http.ResponseWriter, r *http.Request) {
	sess, _ := a.currentSession(r)
	if len(sess.Cart) == 0 {
		http.Redirect(w, r, "/cart", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		Email:       sess.Email,
		DisplayName: sess.DisplayName,
		CSRFToken:   sess.CSRFToken,
	})
}

// SubmitPayment captures the card details into the session.
func (a *API) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[PaymentRequest](w, r)
	if !ok {
		return
	}
	if !a.checkCSRF(w, r, req.Token) {
		return
	}
	err := a.flow.SubmitPayment(a.currentSessionID(r), checkout.CardDetails{
		HolderName: req.CardHolderName,
		Number:     req.CardNumber,
		Expire:     req.Expire,
		CVV:        req.CVV,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StepResponse{Next: string(checkout.StepShipping)})
}

// ShippingPage opens the second step; reaching it out of order routes
// back to the cart so the flow restarts from the beginning.
func (a *API) ShippingPage(w http.ResponseWriter, r *http.Request) {
	sess, _ := a.currentSession(r)
	if len(sess.Cart) == 0 {
		http.Redirect(w, r, "/cart", http.StatusSeeOther)
		return
	}
	if err := checkout.GuardShipping(&sess); err != nil {
		http.Redirect(w, r, "/cart", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		Email:       sess.Email,
		DisplayName: sess.DisplayName,
		CSRFToken:   sess.CSRFToken,
	})
}

// SubmitShipping captures the shipping details into the session.
func (a *API) SubmitShipping(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ShippingRequest](w, r)
	if !ok {
		return
	}
	if !a.checkCSRF(w, r, req.Token) {
		return
	}
	err := a.flow.SubmitShipping(a.currentSessionID(r), checkout.ShippingForm{
		FullName:   req.FullName,
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
	writeJSON(w, http.StatusOK, StepResponse{Next: string(checkout.StepSummary)})
}

// SummaryPage renders the final review: cart lines, masked card, and
// shipping target. Entering it arms the purchase attempt.
func (a *API) SummaryPage(w http.ResponseWriter, r *http.Request) {
	sess, sid := a.currentSession(r)
	sum, err := a.flow.EnterSummary(sid)
	if err != nil {
		if errors.Is(err, checkout.ErrStepOrder) {
			http.Redirect(w, r, "/cart", http.StatusSeeOther)
			return
		}
		a.mapError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SummaryResponse{
		Lines:          summaryLinesResponse(sum.Lines),
		Total:          checkout.FormatCents(sum.TotalCents),
		CardHolderName: sum.CardHolderName,
		MaskedCard:     sum.MaskedCard,
		ShipTo: fmt.Sprintf("%s, %s, %s %s, %s",
			sum.Shipping.FullName, sum.Shipping.Address,
			sum.Shipping.PostalCode, sum.Shipping.City, sum.Shipping.Country),
		CSRFToken: sess.CSRFToken,
	})
}

// Purchase commits the checkout.
func (a *API) Purchase(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[PurchaseRequest](w, r)
	if !ok {
		return
	}
	if !a.checkCSRF(w, r, req.Token) {
		return
	}

	sess, sid := a.currentSession(r)
	receipt, err := a.committer.Commit(r.Context(), sid, req.Total)
	if err != nil {
		a.audit.logFailure(AuditPurchaseFailed, r, err.Error())
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditPurchase, r, sess.Email)

	writeJSON(w, http.StatusOK, PurchaseResponse{
		Reference: receipt.AttemptKey,
		Total:     checkout.FormatCents(receipt.TotalCents),
		Lines:     summaryLinesResponse(receipt.Lines),
	})
}

// EditStep clears one completed slot so it can be re-entered.
func (a *API) EditStep(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[EditStepRequest](w, r)
	if !ok {
		return
	}
	if !a.checkCSRF(w, r, req.Token) {
		return
	}
	next, err := a.flow.Edit(a.currentSessionID(r), req.Step)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StepResponse{Next: string(next)})
}

func summaryLinesResponse(lines []checkout.SummaryLine) []CartLineResponse {
	out := make([]CartLineResponse, 0, len(lines))
	for _, l := range lines {
		out = append(out, CartLineResponse{
			BookID:    l.BookID,
			Title:     l.Title,
			Author:    l.Author,
			UnitPrice: checkout.FormatCents(l.UnitPrice),
			Quantity:  l.Quantity,
		})
	}
	return out
}
