package api

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/gbianchi/bookshop/checkout"
)

// PurchaseHistory serves the user's past purchases, newest first.
func (a *API) PurchaseHistory(w http.ResponseWriter, r *http.Request) {
	sess, _ := a.currentSession(r)
	entries, err := a.repo.FindPurchasesByUser(sess.UserID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	resp := HistoryResponse{Purchases: make([]HistoryEntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Purchases = append(resp.Purchases, HistoryEntryResponse{
			BookID:   e.BookID,
			Title:    e.Title,
			Time:     e.Time.UTC().Format(time.RFC3339),
			Amount:   checkout.FormatCents(e.AmountCents),
			Quantity: e.Quantity,
			Method:   e.PaymentMethod,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// DownloadEbook streams the e-book file for a purchased title. The
// client names a book, never a file; the file name comes from the
// purchase record.
func (a *API) DownloadEbook(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[DownloadRequest](w, r)
	if !ok {
		return
	}
	if !a.checkCSRF(w, r, req.Token) {
		return
	}
	if a.library == nil {
		writeError(w, http.StatusNotFound, "downloads are not available")
		return
	}

	sess, _ := a.currentSession(r)
	path, err := a.library.Resolve(sess.UserID, req.BookID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditEbookDownload, r, sess.Email)

	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, path)
}
