package checkout

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbianchi/bookshop/email"
	"github.com/gbianchi/bookshop/session"
	"github.com/gbianchi/bookshop/storage"
	"github.com/gbianchi/bookshop/storage/memory"
)

type commitFixture struct {
	flow      *Flow
	committer *Committer
	sessions  session.Store
	repo      *memory.Repository
	mail      *email.Fake
}

func newCommitFixture(t *testing.T) *commitFixture {
	t.Helper()
	repo := memory.NewRepository()
	require.NoError(t, repo.InsertBook(&storage.Book{
		ID: "b-dune", Title: "Dune", Author: "Frank Herbert", PriceCents: 1550, Stock: 3,
	}))
	require.NoError(t, repo.InsertBook(&storage.Book{
		ID: "b-emma", Title: "Emma", Author: "Jane Austen", PriceCents: 900, Stock: 1,
	}))

	keyring, err := session.NewEphemeralKeyring()
	require.NoError(t, err)
	sessions := session.NewMemoryStore()
	s := session.New()
	s.Login("u-1", "ada@example.com", "Ada")
	s.Cart["b-dune"] = session.CartLine{Title: "Dune", Author: "Frank Herbert", UnitPrice: 1550, Quantity: 2}
	s.Cart["b-emma"] = session.CartLine{Title: "Emma", Author: "Jane Austen", UnitPrice: 900, Quantity: 1}
	sessions.Put("sid", s)

	mail := email.NewFake()
	return &commitFixture{
		flow:      NewFlow(sessions, keyring),
		committer: NewCommitter(sessions, repo, mail, nil),
		sessions:  sessions,
		repo:      repo,
		mail:      mail,
	}
}

func (fx *commitFixture) reachSummary(t *testing.T) *Summary {
	t.Helper()
	require.NoError(t, fx.flow.SubmitPayment("sid", validCard()))
	require.NoError(t, fx.flow.SubmitShipping("sid", validShipping()))
	sum, err := fx.flow.EnterSummary("sid")
	require.NoError(t, err)
	return sum
}

func TestCommitHappyPath(t *testing.T) {
	fx := newCommitFixture(t)
	sum := fx.reachSummary(t)

	r, err := fx.committer.Commit(context.Background(), "sid", "40.00")
	require.NoError(t, err)
	assert.Equal(t, sum.AttemptKey, r.AttemptKey)
	assert.Equal(t, int64(4000), r.TotalCents)
	require.Len(t, r.Lines, 2)

	// One purchase row per cart line.
	history, err := fx.repo.FindPurchasesByUser("u-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, h := range history {
		assert.Equal(t, int64(4000), h.AmountCents)
		assert.Equal(t, paymentMethodCard, h.PaymentMethod)
	}

	// Stock is decremented per line.
	dune, err := fx.repo.FindBookByID("b-dune")
	require.NoError(t, err)
	assert.Equal(t, 1, dune.Stock)
	emma, err := fx.repo.FindBookByID("b-emma")
	require.NoError(t, err)
	assert.Equal(t, 0, emma.Stock)

	// Session checkout state is gone, identity survives.
	got, _ := fx.sessions.Get("sid")
	assert.Empty(t, got.Cart)
	assert.Nil(t, got.PaymentInfo)
	assert.Nil(t, got.ShippingInfo)
	assert.True(t, got.IsLoggedIn())

	// Confirmation mail went out.
	msg := <-fx.mail.Sent
	assert.Equal(t, "ada@example.com", msg.To)
	assert.Contains(t, msg.Paragraphs[len(msg.Paragraphs)-1], "40.00")
}

func TestCommitRequiresSummaryEntered(t *testing.T) {
	fx := newCommitFixture(t)
	require.NoError(t, fx.flow.SubmitPayment("sid", validCard()))
	require.NoError(t, fx.flow.SubmitShipping("sid", validShipping()))

	// Summary never entered, so no attempt key is armed.
	_, err := fx.committer.Commit(context.Background(), "sid", "40.00")
	require.ErrorIs(t, err, ErrStepOrder)
}

func TestCommitStepGuard(t *testing.T) {
	fx := newCommitFixture(t)

	_, err := fx.committer.Commit(context.Background(), "sid", "40.00")
	require.ErrorIs(t, err, ErrStepOrder)

	require.NoError(t, fx.flow.SubmitPayment("sid", validCard()))
	_, err = fx.committer.Commit(context.Background(), "sid", "40.00")
	require.ErrorIs(t, err, ErrStepOrder)

	// Nothing was persisted along the way.
	history, err := fx.repo.FindPurchasesByUser("u-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestCommitAbortsWhenStockRanOut(t *testing.T) {
	fx := newCommitFixture(t)
	fx.reachSummary(t)

	// A competing purchase takes the last copy of Emma.
	require.NoError(t, fx.repo.PurchaseTx(func(tx storage.PurchaseTx) error {
		return tx.DecrementStock("b-emma", 1)
	}))

	_, err := fx.committer.Commit(context.Background(), "sid", "40.00")
	require.ErrorIs(t, err, ErrOutOfStock)

	// All-or-nothing: the Dune rows and decrements rolled back too.
	history, err := fx.repo.FindPurchasesByUser("u-1")
	require.NoError(t, err)
	assert.Empty(t, history)
	dune, err := fx.repo.FindBookByID("b-dune")
	require.NoError(t, err)
	assert.Equal(t, 3, dune.Stock)

	// Checkout state survives so the visitor can retry from the cart.
	got, _ := fx.sessions.Get("sid")
	assert.NotEmpty(t, got.Cart)
	assert.NotNil(t, got.PaymentInfo)
}

func TestCommitRejectsBadTotal(t *testing.T) {
	fx := newCommitFixture(t)
	fx.reachSummary(t)

	_, err := fx.committer.Commit(context.Background(), "sid", "forty")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	history, err := fx.repo.FindPurchasesByUser("u-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestCommitRejectsMismatchedTotal(t *testing.T) {
	fx := newCommitFixture(t)
	fx.reachSummary(t)

	// A tampered client echoes back a penny instead of the cart total.
	_, err := fx.committer.Commit(context.Background(), "sid", "0.01")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "total", ve.Field)

	// Nothing was charged and the checkout state survived.
	history, err := fx.repo.FindPurchasesByUser("u-1")
	require.NoError(t, err)
	assert.Empty(t, history)
	dune, err := fx.repo.FindBookByID("b-dune")
	require.NoError(t, err)
	assert.Equal(t, 3, dune.Stock)
	got, _ := fx.sessions.Get("sid")
	assert.NotEmpty(t, got.Cart)

	// The honest total still goes through on retry.
	r, err := fx.committer.Commit(context.Background(), "sid", "40.00")
	require.NoError(t, err)
	assert.Equal(t, int64(4000), r.TotalCents)
}

func TestCommitDoubleSubmitReplaysReceipt(t *testing.T) {
	fx := newCommitFixture(t)
	fx.reachSummary(t)

	first, err := fx.committer.Commit(context.Background(), "sid", "40.00")
	require.NoError(t, err)

	second, err := fx.committer.Commit(context.Background(), "sid", "40.00")
	require.NoError(t, err)
	assert.Equal(t, first.AttemptKey, second.AttemptKey)
	assert.Equal(t, first.TotalCents, second.TotalCents)

	// Still only one set of purchase rows.
	history, err := fx.repo.FindPurchasesByUser("u-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestCommitConcurrentSubmitsChargeOnce(t *testing.T) {
	fx := newCommitFixture(t)
	fx.reachSummary(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.committer.Commit(context.Background(), "sid", "40.00")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	history, err := fx.repo.FindPurchasesByUser("u-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
	dune, err := fx.repo.FindBookByID("b-dune")
	require.NoError(t, err)
	assert.Equal(t, 1, dune.Stock)
}

func TestCommitEmailFailureIsNonFatal(t *testing.T) {
	fx := newCommitFixture(t)
	fx.reachSummary(t)
	fx.mail.Err = context.DeadlineExceeded

	_, err := fx.committer.Commit(context.Background(), "sid", "40.00")
	require.NoError(t, err)

	history, err := fx.repo.FindPurchasesByUser("u-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestParseTotalCents(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"40.00", 4000, false},
		{"40", 4000, false},
		{"40.5", 4050, false},
		{"40,50", 4050, false},
		{"1,234.56", 123456, false},
		{"1.234,56", 123456, false},
		{"€ 12.34", 1234, false},
		{"$0.99", 99, false},
		{"", 0, true},
		{"forty", 0, true},
		{"12.345", 0, true},
		{"-1.00", 0, true},
		{"92233720368547758.07", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseTotalCents(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "12.34", FormatCents(1234))
	assert.Equal(t, "0.05", FormatCents(5))
	assert.Equal(t, "-3.00", FormatCents(-300))
}
