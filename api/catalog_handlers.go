package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gbianchi/bookshop/checkout"
	"github.com/gbianchi/bookshop/storage"
)

// ListBooks serves the catalog. An optional ?q= filters by title
// substring, case-insensitive.
func (a *API) ListBooks(w http.ResponseWriter, r *http.Request) {
	var (
		books []storage.Book
		err   error
	)
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		books, err = a.repo.FindBooksByTitleLike(q)
	} else {
		books, err = a.repo.ListBooks()
	}
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	resp := ListBooksResponse{Books: make([]BookSummary, 0, len(books))}
	for _, b := range books {
		resp.Books = append(resp.Books, bookToSummary(&b))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetBook serves one catalog entry.
func (a *API) GetBook(w http.ResponseWriter, r *http.Request) {
	b, err := a.repo.FindBookByID(chi.URLParam(r, "bookID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bookToSummary(b))
}

func bookToSummary(b *storage.Book) BookSummary {
	return BookSummary{
		ID:        b.ID,
		Title:     b.Title,
		Author:    b.Author,
		Publisher: b.Publisher,
		Price:     checkout.FormatCents(b.PriceCents),
		Category:  b.Category,
		Available: b.Stock > 0,
		HasEbook:  b.EbookName != "",
	}
}
