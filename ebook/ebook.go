// Package ebook serves purchased e-book files. Files live in a
// directory outside any web-served tree and are reachable only through
// a purchase record: the client submits a book identifier, never a file
// name, and the file name comes from storage.
package ebook

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gbianchi/bookshop/storage"
)

var (
	// ErrNotPurchased means the user has no purchase record for the book.
	ErrNotPurchased = errors.New("book not purchased")
	// ErrNoEbook means the purchase exists but the title has no e-book
	// edition, or the file is missing from the library directory.
	ErrNoEbook = errors.New("no e-book available")
)

// Library resolves download requests against the purchase records and
// the on-disk e-book directory.
type Library struct {
	repo storage.Repository
	root string
}

func NewLibrary(repo storage.Repository, root string) *Library {
	return &Library{repo: repo, root: root}
}

// Resolve returns the absolute path of the e-book for a book the user
// purchased. The stored file name is confined to the library root;
// anything trying to escape it is treated as absent.
func (l *Library) Resolve(userID, bookID string) (string, error) {
	name, err := l.repo.FindPurchaseEbook(userID, bookID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrNotPurchased
		}
		return "", fmt.Errorf("looking up purchase for %s: %w", bookID, err)
	}
	if name == "" {
		return "", ErrNoEbook
	}
	if filepath.Base(name) != name || strings.HasPrefix(name, ".") {
		return "", ErrNoEbook
	}
	path := filepath.Join(l.root, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", ErrNoEbook
	}
	return path, nil
}
