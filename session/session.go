// Package session holds the per-visitor server-side state: identity,
// CSRF token, shopping cart, and in-progress checkout fields. State is
// keyed by an opaque identifier delivered in an http-only cookie; nothing
// but the identifier ever reaches the client.
package session

import (
	"time"

	"github.com/google/uuid"
)

// CartLine is one book's aggregated quantity/price snapshot within a
// session's cart. Lines are owned exclusively by their session.
type CartLine struct {
	Title      string `json:"title"`
	Author     string `json:"author"`
	Publisher  string `json:"publisher"`
	UnitPrice  int64  `json:"unit_price"` // cents
	Quantity   int    `json:"quantity"`
}

// ShippingInfo is the plaintext shipping slot of the checkout, discarded
// after purchase.
type ShippingInfo struct {
	FullName   string `json:"full_name"`
	Address    string `json:"address"`
	City       string `json:"city"`
	Province   string `json:"province"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// EncryptedPaymentInfo holds the card fields, each independently sealed
// with AES-256-GCM (base64 of nonce||ciphertext||tag). The plaintext
// exists only transiently: at capture, masked display, and commit.
type EncryptedPaymentInfo struct {
	CardHolderNameCt string `json:"card_holder_name_ct"`
	CardNumberCt     string `json:"card_number_ct"`
	ExpireCt         string `json:"expire_ct"`
	CVVCt            string `json:"cvv_ct"`
}

// Session is the server-held state for one visitor.
type Session struct {
	UserID          string                `json:"user_id,omitempty"`
	Email           string                `json:"email,omitempty"`
	DisplayName     string                `json:"display_name,omitempty"`
	CSRFToken       string                `json:"csrf_token"`
	LastInteraction time.Time             `json:"last_interaction"`
	Cart            map[string]CartLine   `json:"cart"`
	PaymentInfo     *EncryptedPaymentInfo `json:"payment_info,omitempty"`
	ShippingInfo    *ShippingInfo         `json:"shipping_info,omitempty"`

	// CheckoutAttempt is the idempotency key for the purchase attempt in
	// flight; CommittedAttempt records the key of the last successful
	// commit so a double-submit cannot charge twice.
	CheckoutAttempt  string `json:"checkout_attempt,omitempty"`
	CommittedAttempt string `json:"committed_attempt,omitempty"`
}

// New returns a bootstrapped anonymous session with a fresh CSRF token,
// so even the login form is protected.
func New() Session {
	return Session{
		CSRFToken:       NewToken(),
		LastInteraction: time.Now(),
		Cart:            make(map[string]CartLine),
	}
}

// NewToken produces an opaque identifier suitable for session IDs, CSRF
// tokens, and checkout idempotency keys.
func NewToken() string {
	return uuid.NewString()
}

// IsLoggedIn reports whether the session carries an authenticated identity.
func (s *Session) IsLoggedIn() bool {
	return s.UserID != "" && s.Email != "" && s.CSRFToken != ""
}

// Login installs the user's identity and rotates the CSRF token. The
// caller is responsible for rotating the session identifier itself.
func (s *Session) Login(userID, email, displayName string) {
	s.UserID = userID
	s.Email = email
	s.DisplayName = displayName
	s.CSRFToken = NewToken()
	s.LastInteraction = time.Now()
}

// ClearCheckout drops the volatile checkout state after a completed
// purchase, keeping the committed idempotency key for replay detection.
func (s *Session) ClearCheckout() {
	s.Cart = make(map[string]CartLine)
	s.PaymentInfo = nil
	s.ShippingInfo = nil
	s.CommittedAttempt = s.CheckoutAttempt
	s.CheckoutAttempt = ""
}
