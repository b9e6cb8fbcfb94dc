// Package checkout implements the multi-step purchase flow: capture of
// payment and shipping details into the session, step-order enforcement,
// and the final atomic commit against storage.
//
// The canonical step order is Payment, then Shipping, then Summary. A
// step is reachable only when every earlier step's slot is filled; a
// request that arrives out of order is answered with ErrStepOrder and
// the caller routes the visitor back to the cart.
package checkout

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/gbianchi/bookshop/cart"
	"github.com/gbianchi/bookshop/session"
)

// Step identifies one checkout page.
type Step string

const (
	StepPayment  Step = "payment"
	StepShipping Step = "shipping"
	StepSummary  Step = "summary"
)

var (
	// ErrStepOrder means the visitor tried to reach a step whose
	// prerequisites are not in the session yet.
	ErrStepOrder = errors.New("checkout step requested out of order")
	// ErrEmptyCart rejects entering checkout with nothing to buy.
	ErrEmptyCart = cart.ErrEmptyCart
	// ErrUnknownSlot is returned by Edit for a slot name that is neither
	// payment nor shipping.
	ErrUnknownSlot = errors.New("unknown checkout slot")
)

// ValidationError reports a rejected input field by name.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CardDetails are the plaintext card fields as submitted. They are
// validated, sealed into the session, and then discarded.
type CardDetails struct {
	HolderName string
	Number     string
	Expire     string
	CVV        string
}

var (
	cardNumberRe = regexp.MustCompile(`^[0-9]{12,19}$`)
	cardExpireRe = regexp.MustCompile(`^(0[1-9]|1[0-2])/[0-9]{2}$`)
	cardCVVRe    = regexp.MustCompile(`^[0-9]{3,4}$`)
)

func (c *CardDetails) validate() error {
	if strings.TrimSpace(c.HolderName) == "" {
		return &ValidationError{Field: "card_holder_name", Reason: "must not be empty"}
	}
	digits := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, c.Number)
	if !cardNumberRe.MatchString(digits) {
		return &ValidationError{Field: "card_number", Reason: "must be 12 to 19 digits"}
	}
	if !cardExpireRe.MatchString(c.Expire) {
		return &ValidationError{Field: "expire", Reason: "must be MM/YY"}
	}
	if !cardCVVRe.MatchString(c.CVV) {
		return &ValidationError{Field: "cvv", Reason: "must be 3 or 4 digits"}
	}
	return nil
}

func (s *ShippingForm) validate() error {
	for _, f := range []struct{ name, val string }{
		{"full_name", s.FullName},
		{"address", s.Address},
		{"city", s.City},
		{"postal_code", s.PostalCode},
		{"country", s.Country},
	} {
		if strings.TrimSpace(f.val) == "" {
			return &ValidationError{Field: f.name, Reason: "must not be empty"}
		}
	}
	return nil
}

// ShippingForm mirrors session.ShippingInfo for input handling.
type ShippingForm struct {
	FullName   string
	Address    string
	City       string
	Province   string
	PostalCode string
	Country    string
}

// Flow drives the step machine over the session store. Card data is
// sealed through the keyring before it is written to the session.
type Flow struct {
	sessions session.Store
	keyring  *session.Keyring
}

func NewFlow(sessions session.Store, keyring *session.Keyring) *Flow {
	return &Flow{sessions: sessions, keyring: keyring}
}

// NextStep names the first step whose slot is still empty; with both
// slots filled the visitor is sent to the summary.
func NextStep(s *session.Session) Step {
	switch {
	case s.PaymentInfo != nil && s.ShippingInfo != nil:
		return StepSummary
	case s.PaymentInfo != nil:
		return StepShipping
	default:
		return StepPayment
	}
}

// GuardShipping verifies the shipping page is reachable: the payment
// slot must already be filled.
func GuardShipping(s *session.Session) error {
	if s.PaymentInfo == nil {
		return ErrStepOrder
	}
	return nil
}

// GuardSummary verifies the summary page is reachable: both slots must
// be filled.
func GuardSummary(s *session.Session) error {
	if s.PaymentInfo == nil || s.ShippingInfo == nil {
		return ErrStepOrder
	}
	return nil
}

// SubmitPayment validates and seals the card details into the session's
// payment slot. Entering checkout requires a non-empty cart.
func (f *Flow) SubmitPayment(sessionID string, card CardDetails) error {
	if err := card.validate(); err != nil {
		return err
	}
	sealed, err := f.keyring.SealPaymentInfo(card.HolderName, card.Number, card.Expire, card.CVV)
	if err != nil {
		return fmt.Errorf("sealing card data: %w", err)
	}
	return f.sessions.Mutate(sessionID, func(s *session.Session) error {
		if len(s.Cart) == 0 {
			return ErrEmptyCart
		}
		s.PaymentInfo = sealed
		return nil
	})
}

// SubmitShipping stores the shipping details. The payment step must have
// been completed first.
func (f *Flow) SubmitShipping(sessionID string, form ShippingForm) error {
	if err := form.validate(); err != nil {
		return err
	}
	return f.sessions.Mutate(sessionID, func(s *session.Session) error {
		if len(s.Cart) == 0 {
			return ErrEmptyCart
		}
		if err := GuardShipping(s); err != nil {
			return err
		}
		s.ShippingInfo = &session.ShippingInfo{
			FullName:   form.FullName,
			Address:    form.Address,
			City:       form.City,
			Province:   form.Province,
			PostalCode: form.PostalCode,
			Country:    form.Country,
		}
		return nil
	})
}

// SummaryLine is one cart line prepared for display.
type SummaryLine struct {
	BookID    string
	Title     string
	Author    string
	UnitPrice int64
	Quantity  int
}

// Summary is the read model for the final checkout page. Card data
// appears masked only.
type Summary struct {
	Lines          []SummaryLine
	TotalCents     int64
	CardHolderName string
	MaskedCard     string
	Shipping       session.ShippingInfo
	AttemptKey     string
}

// EnterSummary guards the final step and issues the purchase attempt key
// if none is in flight. The same key is returned on refresh, so the
// summary page can be reloaded without arming a second purchase.
func (f *Flow) EnterSummary(sessionID string) (*Summary, error) {
	var out *Summary
	err := f.sessions.Mutate(sessionID, func(s *session.Session) error {
		if len(s.Cart) == 0 {
			return ErrEmptyCart
		}
		if err := GuardSummary(s); err != nil {
			return err
		}
		if s.CheckoutAttempt == "" {
			s.CheckoutAttempt = session.NewToken()
		}
		pi, err := f.keyring.OpenPaymentInfo(s.PaymentInfo)
		if err != nil {
			return fmt.Errorf("opening sealed card data: %w", err)
		}
		out = &Summary{
			Lines:          summaryLines(s.Cart),
			TotalCents:     cart.TotalCents(s.Cart),
			CardHolderName: pi.CardHolderName,
			MaskedCard:     pi.MaskedNumber(),
			Shipping:       *s.ShippingInfo,
			AttemptKey:     s.CheckoutAttempt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Edit clears one completed slot so the visitor can re-enter it, then
// reports which step to show next.
func (f *Flow) Edit(sessionID, slot string) (Step, error) {
	var next Step
	err := f.sessions.Mutate(sessionID, func(s *session.Session) error {
		switch Step(slot) {
		case StepPayment:
			s.PaymentInfo = nil
		case StepShipping:
			s.ShippingInfo = nil
		default:
			return ErrUnknownSlot
		}
		// Editing disarms any attempt key issued for the old summary.
		s.CheckoutAttempt = ""
		next = NextStep(s)
		return nil
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

func summaryLines(c map[string]session.CartLine) []SummaryLine {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	lines := make([]SummaryLine, 0, len(ids))
	for _, id := range ids {
		l := c[id]
		lines = append(lines, SummaryLine{
			BookID:    id,
			Title:     l.Title,
			Author:    l.Author,
			UnitPrice: l.UnitPrice,
			Quantity:  l.Quantity,
		})
	}
	return lines
}
