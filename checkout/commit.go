package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gbianchi/bookshop/email"
	"github.com/gbianchi/bookshop/session"
	"github.com/gbianchi/bookshop/storage"
)

// ErrOutOfStock is returned when a cart line can no longer be covered by
// stock at commit time. Nothing is persisted.
var ErrOutOfStock = errors.New("stock changed during checkout")

const paymentMethodCard = "credit_card"

// Receipt is the outcome of a successful commit. A replayed submit with
// the same attempt key returns the original receipt unchanged.
type Receipt struct {
	AttemptKey string
	Lines      []SummaryLine
	TotalCents int64
	Time       time.Time
}

// Committer performs the final purchase step. Per session, commits are
// single flight: a double submit either waits and replays the first
// receipt or fails the step guard because the cart is already cleared.
type Committer struct {
	sessions session.Store
	repo     storage.Repository
	mail     email.Sender
	log      *slog.Logger

	mu       sync.Mutex
	inFlight map[string]*sync.Mutex
	receipts map[string]*Receipt
}

func NewCommitter(sessions session.Store, repo storage.Repository, mail email.Sender, log *slog.Logger) *Committer {
	if log == nil {
		log = slog.Default()
	}
	return &Committer{
		sessions: sessions,
		repo:     repo,
		mail:     mail,
		log:      log,
		inFlight: make(map[string]*sync.Mutex),
		receipts: make(map[string]*Receipt),
	}
}

// Commit validates the submitted total, persists one purchase row per
// cart line together with the matching conditional stock decrements in a
// single storage transaction, and clears the checkout state from the
// session. The confirmation email is best effort.
func (c *Committer) Commit(ctx context.Context, sessionID, submittedTotal string) (*Receipt, error) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, ok := c.sessions.Get(sessionID)
	if !ok {
		return nil, ErrStepOrder
	}

	// Double submit after a completed commit: the cart is gone but the
	// consumed attempt key identifies the original outcome.
	if sess.CheckoutAttempt == "" && sess.CommittedAttempt != "" {
		if r := c.lookupReceipt(sess.CommittedAttempt); r != nil {
			return r, nil
		}
	}

	if len(sess.Cart) == 0 {
		return nil, ErrEmptyCart
	}
	if err := GuardSummary(&sess); err != nil {
		return nil, err
	}
	if sess.CheckoutAttempt == "" {
		return nil, ErrStepOrder
	}

	totalCents, err := ParseTotalCents(submittedTotal)
	if err != nil {
		return nil, err
	}

	lines := summaryLines(sess.Cart)
	var cartTotal int64
	for _, line := range lines {
		cartTotal += line.UnitPrice * int64(line.Quantity)
	}
	// The submitted total is display state echoed back by the client; the
	// cart is authoritative. Any difference aborts before a row is written.
	if totalCents != cartTotal {
		return nil, &ValidationError{Field: "total", Reason: "does not match the order total"}
	}
	now := time.Now()
	err = c.repo.PurchaseTx(func(tx storage.PurchaseTx) error {
		for _, line := range lines {
			p := &storage.Purchase{
				ID:            uuid.NewString(),
				UserID:        sess.UserID,
				BookID:        line.BookID,
				Time:          now,
				AmountCents:   totalCents,
				Quantity:      line.Quantity,
				PaymentMethod: paymentMethodCard,
			}
			if err := tx.InsertPurchase(p); err != nil {
				return fmt.Errorf("inserting purchase for %s: %w", line.BookID, err)
			}
			if err := tx.DecrementStock(line.BookID, line.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientStock) || errors.Is(err, storage.ErrNotFound) {
			return nil, ErrOutOfStock
		}
		return nil, fmt.Errorf("committing purchase: %w", err)
	}

	attempt := sess.CheckoutAttempt
	receipt := &Receipt{
		AttemptKey: attempt,
		Lines:      lines,
		TotalCents: totalCents,
		Time:       now,
	}
	c.storeReceipt(receipt)

	if err := c.sessions.Mutate(sessionID, func(s *session.Session) error {
		s.ClearCheckout()
		return nil
	}); err != nil {
		c.log.Error("clearing checkout state after commit",
			slog.String("error", err.Error()))
	}

	if c.mail != nil && sess.Email != "" {
		c.sendConfirmation(ctx, sess.Email, receipt)
	}
	return receipt, nil
}

func (c *Committer) sendConfirmation(ctx context.Context, to string, r *Receipt) {
	paragraphs := make([]string, 0, len(r.Lines)+1)
	for _, l := range r.Lines {
		paragraphs = append(paragraphs,
			fmt.Sprintf("%d x %s (%s) at %s each", l.Quantity, l.Title, l.Author, FormatCents(l.UnitPrice)))
	}
	paragraphs = append(paragraphs, "Order total: "+FormatCents(r.TotalCents))
	if err := c.mail.Send(ctx, to, "Your order confirmation", "Thank you for your purchase!", paragraphs...); err != nil {
		c.log.Error("sending order confirmation",
			slog.String("to", to),
			slog.String("error", err.Error()))
	}
}

func (c *Committer) sessionLock(sessionID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.inFlight[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		c.inFlight[sessionID] = lock
	}
	return lock
}

func (c *Committer) storeReceipt(r *Receipt) {
	c.mu.Lock()
	c.receipts[r.AttemptKey] = r
	c.mu.Unlock()
}

func (c *Committer) lookupReceipt(attempt string) *Receipt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receipts[attempt]
}

// ParseTotalCents converts a submitted money string to integer cents.
// Accepts an optional currency marker, thousands separators, and either
// "." or "," as the decimal mark with at most two decimals.
func ParseTotalCents(s string) (int64, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimPrefix(raw, "€")
	raw = strings.TrimPrefix(raw, "$")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, &ValidationError{Field: "total", Reason: "must not be empty"}
	}

	// With both separators present the rightmost is the decimal mark.
	dot := strings.LastIndexByte(raw, '.')
	comma := strings.LastIndexByte(raw, ',')
	dec := dot
	if comma > dot {
		dec = comma
	}

	intPart, fracPart := raw, ""
	if dec >= 0 {
		intPart, fracPart = raw[:dec], raw[dec+1:]
	}
	intPart = strings.Map(func(r rune) rune {
		if r == '.' || r == ',' || r == ' ' {
			return -1
		}
		return r
	}, intPart)

	if intPart == "" && fracPart == "" {
		return 0, &ValidationError{Field: "total", Reason: "not a number"}
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > 2 {
		return 0, &ValidationError{Field: "total", Reason: "too many decimal places"}
	}
	for len(fracPart) < 2 {
		fracPart += "0"
	}

	units, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil || units < 0 {
		return 0, &ValidationError{Field: "total", Reason: "not a number"}
	}
	if units > (math.MaxInt64-99)/100 {
		return 0, &ValidationError{Field: "total", Reason: "amount too large"}
	}
	cents, err := strconv.ParseInt(fracPart, 10, 64)
	if err != nil {
		return 0, &ValidationError{Field: "total", Reason: "not a number"}
	}
	return units*100 + cents, nil
}

// FormatCents renders integer cents as a display string ("12.34").
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
