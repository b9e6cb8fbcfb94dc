package api_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbianchi/bookshop/api"
	"github.com/gbianchi/bookshop/email"
	"github.com/gbianchi/bookshop/session"
	"github.com/gbianchi/bookshop/storage"
	"github.com/gbianchi/bookshop/storage/memory"
)

type fixture struct {
	srv  *httptest.Server
	repo *memory.Repository
	mail *email.Fake
}

func setupServer(t *testing.T, opts ...api.Option) *fixture {
	t.Helper()
	repo := memory.NewRepository()
	require.NoError(t, repo.InsertBook(&storage.Book{
		ID: "b-dune", Title: "Dune", Author: "Frank Herbert",
		Publisher: "Chilton", PriceCents: 1550, Category: "scifi", Stock: 3,
		EbookName: "dune.epub",
	}))
	require.NoError(t, repo.InsertBook(&storage.Book{
		ID: "b-emma", Title: "Emma", Author: "Jane Austen",
		Publisher: "John Murray", PriceCents: 900, Category: "classic", Stock: 1,
	}))

	ebookDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ebookDir, "dune.epub"), []byte("epub-bytes"), 0o600))

	keyring, err := session.NewEphemeralKeyring()
	require.NoError(t, err)
	mail := email.NewFake()

	allOpts := append([]api.Option{
		api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		api.WithMail(mail),
		api.WithEbookLibrary(ebookDir),
	}, opts...)
	a := api.New(repo, session.NewMemoryStore(), keyring, allOpts...)
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, repo: repo, mail: mail}
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

// noFollow stops the client at the first redirect so tests can assert
// on the Location header.
func noFollow(c *http.Client) *http.Client {
	cp := *c
	cp.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &cp
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequest(method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// csrfToken bootstraps a session (if needed) and fetches its token.
func csrfToken(t *testing.T, client *http.Client, baseURL string) string {
	t.Helper()
	resp := doJSON(t, client, http.MethodGet, baseURL+"/cart", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeBody[api.CartResponse](t, resp).CSRFToken
}

// signup registers ada@example.com and returns the post-login CSRF token.
func signup(t *testing.T, client *http.Client, baseURL string) string {
	t.Helper()
	token := csrfToken(t, client, baseURL)
	resp := doJSON(t, client, http.MethodPost, baseURL+"/auth/signup", api.SignupRequest{
		Token:     token,
		Email:     "ada@example.com",
		Password:  "correct horse",
		Repeat:    "correct horse",
		FirstName: "Ada",
		LastName:  "Lovelace",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := decodeBody[api.SessionResponse](t, resp)
	require.NotEmpty(t, sess.CSRFToken)
	return sess.CSRFToken
}

// welcomeMail pops the signup greeting off the fake sender so later
// asserts see only the mail under test.
func welcomeMail(t *testing.T, fx *fixture) email.Message {
	t.Helper()
	select {
	case msg := <-fx.mail.Sent:
		return msg
	case <-time.After(time.Second):
		t.Fatal("expected a welcome mail")
		return email.Message{}
	}
}

func addToCart(t *testing.T, client *http.Client, baseURL, token, bookID string, qty int) api.CartResponse {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, baseURL+"/cart/items", api.CartItemRequest{
		Token: token, BookID: bookID, Quantity: qty,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeBody[api.CartResponse](t, resp)
}

// reachSummary walks payment and shipping and opens the summary page.
func reachSummary(t *testing.T, client *http.Client, baseURL, token string) api.SummaryResponse {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, baseURL+"/checkout/payment", api.PaymentRequest{
		Token: token, CardHolderName: "Ada Lovelace",
		CardNumber: "4111111111111111", Expire: "12/28", CVV: "123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, client, http.MethodPost, baseURL+"/checkout/shipping", api.ShippingRequest{
		Token: token, FullName: "Ada Lovelace", Address: "12 St James Sq",
		City: "London", PostalCode: "SW1Y 4JH", Country: "UK",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, client, http.MethodGet, baseURL+"/checkout/summary", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeBody[api.SummaryResponse](t, resp)
}

func TestSignupLoginLogout(t *testing.T) {
	fx := setupServer(t)
	client := newClient(t)
	signup(t, client, fx.srv.URL)

	// Logout hands out a fresh anonymous session.
	resp := doJSON(t, client, http.MethodPost, fx.srv.URL+"/auth/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	anon := decodeBody[api.SessionResponse](t, resp)
	assert.Empty(t, anon.Email)
	require.NotEmpty(t, anon.CSRFToken)

	// Login again with the anonymous token.
	resp = doJSON(t, client, http.MethodPost, fx.srv.URL+"/auth/login", api.LoginRequest{
		Token: anon.CSRFToken, Email: "ada@example.com", Password: "correct horse",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sess := decodeBody[api.SessionResponse](t, resp)
	assert.Equal(t, "ada@example.com", sess.Email)
	assert.Equal(t, "Ada", sess.DisplayName)
	assert.NotEqual(t, anon.CSRFToken, sess.CSRFToken, "login must rotate the CSRF token")
}

func TestLoginWrongPassword(t *testing.T) {
	fx := setupServer(t)
	client := newClient(t)
	signup(t, client, fx.srv.URL)
	doJSON(t, client, http.MethodPost, fx.srv.URL+"/auth/logout", nil).Body.Close()

	token := csrfToken(t, client, fx.srv.URL)
	resp := doJSON(t, client, http.MethodPost, fx.srv.URL+"/auth/login", api.LoginRequest{
		Token: token, Email: "ada@example.com", Password: "wrong",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginLockoutOverHTTP(t *testing.T) {
	fx := setupServer(t)
	client := newClient(t)
	signup(t, client, fx.srv.URL)
	doJSON(t, client, http.MethodPost, fx.srv.URL+"/auth/logout", nil).Body.Close()
	token := csrfToken(t, client, fx.srv.URL)

	attempt := func(password string) int {
		resp := doJSON(t, client, http.MethodPost, fx.srv.URL+"/auth/login", api.LoginRequest{
			Token: token, Email: "ada@example.com", Password: password,
		})
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, attempt("wrong"))
	assert.Equal(t, http.StatusUnauthorized, attempt("wrong"))
	// The third failure trips the block.
	assert.Equal(t, http.StatusTooManyRequests, attempt("wrong"))
	// While blocked, even the right password is refused.
	assert.Equal(t, http.StatusTooManyRequests, attempt("correct horse"))
}

func TestCSRFMismatchChangesNothing(t *testing.T) {
	fx := setupServer(t)
	client := newClient(t)
	csrfToken(t, client, fx.srv.URL)

	resp := doJSON(t, client, http.MethodPost, fx.srv.URL+"/cart/items", api.CartItemRequest{
		Token: "forged-token", BookID: "b-dune", Quantity: 1,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	view := doJSON(t, client, http.MethodGet, fx.srv.URL+"/cart", nil)
	cartResp := decodeBody[api.CartResponse](t, view)
	assert.Empty(t, cartResp.Lines, "a rejected submission must not touch the cart")
}

func TestCatalog(t *testing.T) {
	fx := setupServer(t)
	client := newClient(t)

	resp := doJSON(t, client, http.MethodGet, fx.srv.URL+"/books", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[api.ListBooksResponse](t, resp)
	require.Len(t, list.Books, 2)

	resp = doJSON(t, client, http.MethodGet, fx.srv.URL+"/books?q=dune", nil)
	list = decodeBody[api.ListBooksResponse](t, resp)
	require.Len(t, list.Books, 1)
	assert.Equal(t, "Dune", list.Books[0].Title)
	assert.Equal(t, "15.50", list.Books[0].Price)
	assert.True(t, list.Books[0].HasEbook)

	resp = doJSON(t, client, http.MethodGet, fx.srv.URL+"/books/b-emma", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	book := decodeBody[api.BookSummary](t, resp)
	assert.Equal(t, "Emma", book.Title)

	resp = doJSON(t, client, http.MethodGet, fx.srv.URL+"/books/nope", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCartOverHTTP(t *testing.T) {
	fx := setupServer(t)
	client := newClient(t)
	token := csrfToken(t, client, fx.srv.URL)

	view := addToCart(t, client, fx.srv.URL, token, "b-dune", 2)
	require.Len(t, view.Lines, 1)
	assert.Equal(t, 2, view.Lines[0].Quantity)
	assert.Equal(t, "31.00", view.Total)

	// Exceeding stock is a conflict.
	resp := doJSON(t, client, http.MethodPost, fx.srv.URL+"/cart/items", api.CartItemRequest{
		Token: token, BookID: "b-dune", Quantity: 5,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, client, http.MethodPost, fx.srv.URL+"/cart/remove", api.CartItemRequest{
		Token: token, BookID: "b-dune", Quantity: 1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view = decodeBody[api.CartResponse](t, resp)
	assert.Equal(t, "15.50", view.Total)
}

func TestCheckoutRequiresLogin(t *testing.T) {
	fx := setupServer(t)
	client := newClient(t)
	csrfToken(t, client, fx.srv.URL)

	resp := doJSON(t, client, http.MethodGet, fx.srv.URL+"/checkout/payment", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCheckoutStepOrderRedirects(t *testing.T) {
	fx := setupServer(t)
	client := newClient(t)
	token := signup(t, client, fx.srv.URL)
	addToCart(t, client, fx.srv.URL, token, "b-dune", 1)
	plain := noFollow(client)

	// Summary before payment routes back to the cart.
	resp := doJSON(t, plain, http.MethodGet, fx.srv.URL+"/checkout/summary", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/cart", resp.Header.Get("Location"))

	// Shipping before payment as well.
	resp = doJSON(t, plain, http.MethodGet, fx.srv.URL+"/checkout/shipping", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/cart", resp.Header.Get("Location"))

	// Submitting shipping out of order goes back to the cart.
	resp = doJSON(t, plain, http.MethodPost, fx.srv.URL+"/checkout/shipping", api.ShippingRequest{
		Token: token, FullName: "Ada", Address: "x", City: "y", PostalCode: "z", Country: "UK",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/cart", resp.Header.Get("Location"))
}

func TestCheckoutEmptyCartRedirects(t *testing.T) {
	fx := setupServer(t)
	client := newClient(t)
	signup(t, client, fx.srv.URL)
	plain := noFollow(client)

	resp := doJSON(t, plain, http.MethodGet, fx.srv.URL+"/checkout/payment", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/cart", resp.Header.Get("Location"))
}

func TestPurchaseEndToEnd(t *testing.T) {
	fx := setupServer(t)
	client := newClient(t)
	token := signup(t, client, fx.srv.URL)
	welcomeMail(t, fx)
	addToCart(t, client, fx.srv.URL, token, "b-dune", 2)
	addToCart(t, client, fx.srv.URL, token, "b-emma", 1)

	sum := reachSummary(t, client, fx.srv.URL, token)
	assert.Equal(t, "40.00", sum.Total)
	assert.Equal(t, "************1111", sum.MaskedCard)
	assert.Contains(t, sum.ShipTo, "London")

	resp := doJSON(t, client, http.MethodPost, fx.srv.URL+"/checkout/summary", api.PurchaseRequest{
		Token: sum.CSRFToken, Total: sum.Total,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	receipt := decodeBody[api.PurchaseResponse](t, resp)
	assert.NotEmpty(t, receipt.Reference)
	assert.Equal(t, "40.00", receipt.Total)
	require.Len(t, receipt.Lines, 2)

	// Stock went down and the cart is empty.
	dune, err := fx.repo.FindBookByID("b-dune")
	require.NoError(t, err)
	assert.Equal(t, 1, dune.Stock)
	view := doJSON(t, client, http.MethodGet, fx.srv.URL+"/cart", nil)
	assert.Empty(t, decodeBody[api.CartResponse](t, view).Lines)

	// The purchase shows up in the history.
	resp = doJSON(t, client, http.MethodGet, fx.srv.URL+"/purchases/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decodeBody[api.HistoryResponse](t, resp)
	require.Len(t, history.Purchases, 2)

	// The confirmation mail was sent.
	select {
	case msg := <-fx.mail.Sent:
		assert.Equal(t, "ada@example.com", msg.To)
	case <-time.After(time.Second):
		t.Fatal("expected a confirmation mail")
	}
}

func TestDownloadPurchasedEbook(t *testing.T) {
	fx := setupServer(t)
	client := newClient(t)
	token := signup(t, client, fx.srv.URL)

	// Not purchased yet.
	resp := doJSON(t, client, http.MethodPost, fx.srv.URL+"/purchases/download", api.DownloadRequest{
		Token: token, BookID: "b-dune",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	addToCart(t, client, fx.srv.URL, token, "b-dune", 1)
	sum := reachSummary(t, client, fx.srv.URL, token)
	resp = doJSON(t, client, http.MethodPost, fx.srv.URL+"/checkout/summary", api.PurchaseRequest{
		Token: sum.CSRFToken, Total: sum.Total,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, client, http.MethodPost, fx.srv.URL+"/purchases/download", api.DownloadRequest{
		Token: token, BookID: "b-dune",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "epub-bytes", string(data))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "dune.epub")
}

func TestPasswordRecoveryFlow(t *testing.T) {
	fx := setupServer(t)
	client := newClient(t)
	signup(t, client, fx.srv.URL)
	welcomeMail(t, fx)
	doJSON(t, client, http.MethodPost, fx.srv.URL+"/auth/logout", nil).Body.Close()
	token := csrfToken(t, client, fx.srv.URL)

	resp := doJSON(t, client, http.MethodPost, fx.srv.URL+"/auth/otp", api.OTPRequest{
		Token: token, Email: "ada@example.com",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var otp string
	select {
	case msg := <-fx.mail.Sent:
		require.Equal(t, "ada@example.com", msg.To)
		for _, p := range msg.Paragraphs {
			if rest, found := strings.CutPrefix(p, "Your one-time code is: "); found {
				otp = rest
			}
		}
	case <-time.After(time.Second):
		t.Fatal("expected a recovery mail")
	}
	require.NotEmpty(t, otp)

	// A second request inside the interval is throttled.
	resp = doJSON(t, client, http.MethodPost, fx.srv.URL+"/auth/otp", api.OTPRequest{
		Token: token, Email: "ada@example.com",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp = doJSON(t, client, http.MethodPost, fx.srv.URL+"/auth/recover", api.RecoverRequest{
		Token: token, Email: "ada@example.com", OTP: otp,
		Password: "new password", Repeat: "new password",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, client, http.MethodPost, fx.srv.URL+"/auth/login", api.LoginRequest{
		Token: token, Email: "ada@example.com", Password: "new password",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSignupSendsWelcomeMail(t *testing.T) {
	fx := setupServer(t)
	client := newClient(t)
	signup(t, client, fx.srv.URL)

	msg := welcomeMail(t, fx)
	assert.Equal(t, "ada@example.com", msg.To)
	assert.Equal(t, "Welcome to the bookshop", msg.Subject)
	assert.Contains(t, msg.Title, "Ada")
}

func TestProfileOverHTTP(t *testing.T) {
	fx := setupServer(t)
	client := newClient(t)

	// The profile is only visible to the account owner.
	resp := doJSON(t, client, http.MethodGet, fx.srv.URL+"/profile/", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	signup(t, client, fx.srv.URL)
	resp = doJSON(t, client, http.MethodGet, fx.srv.URL+"/profile/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	profile := decodeBody[api.ProfileResponse](t, resp)
	assert.Equal(t, "ada@example.com", profile.Email)
	assert.Equal(t, "Ada", profile.FirstName)
	assert.Equal(t, "Lovelace", profile.LastName)
}

func TestChangePasswordOverHTTP(t *testing.T) {
	fx := setupServer(t)
	client := newClient(t)
	token := signup(t, client, fx.srv.URL)
	welcomeMail(t, fx)

	change := func(current, password string) int {
		resp := doJSON(t, client, http.MethodPost, fx.srv.URL+"/profile/password", api.ChangePasswordRequest{
			Token: token, Current: current, Password: password, Repeat: password,
		})
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, change("wrong", "battery staple"))
	assert.Equal(t, http.StatusBadRequest, change("correct horse", "correct horse"))
	require.Equal(t, http.StatusNoContent, change("correct horse", "battery staple"))

	// The change confirmation went out.
	select {
	case msg := <-fx.mail.Sent:
		assert.Equal(t, "ada@example.com", msg.To)
		assert.Contains(t, msg.Subject, "password")
	case <-time.After(time.Second):
		t.Fatal("expected a password change mail")
	}

	// Only the new password logs in.
	doJSON(t, client, http.MethodPost, fx.srv.URL+"/auth/logout", nil).Body.Close()
	anon := csrfToken(t, client, fx.srv.URL)
	resp := doJSON(t, client, http.MethodPost, fx.srv.URL+"/auth/login", api.LoginRequest{
		Token: anon, Email: "ada@example.com", Password: "correct horse",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = doJSON(t, client, http.MethodPost, fx.srv.URL+"/auth/login", api.LoginRequest{
		Token: anon, Email: "ada@example.com", Password: "battery staple",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// failingRepo simulates a broken storage backend behind the catalog.
type failingRepo struct {
	*memory.Repository
	listErr error
}

func (f *failingRepo) ListBooks() ([]storage.Book, error) {
	return nil, f.listErr
}

func TestStorageErrorsAreNotLeaked(t *testing.T) {
	repo := &failingRepo{
		Repository: memory.NewRepository(),
		listErr:    errors.New("connecting to pool: connection refused"),
	}
	keyring, err := session.NewEphemeralKeyring()
	require.NoError(t, err)
	a := api.New(repo, session.NewMemoryStore(), keyring,
		api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)

	resp := doJSON(t, newClient(t), http.MethodGet, srv.URL+"/books", nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := decodeBody[api.ErrorResponse](t, resp)
	assert.Equal(t, "operation failed, try again", body.Error)
	assert.NotContains(t, body.Error, "connection refused")
}

func TestIdleSessionIsLoggedOut(t *testing.T) {
	fx := setupServer(t, api.WithIdleTimeout(50*time.Millisecond))
	client := newClient(t)
	signup(t, client, fx.srv.URL)
	plain := noFollow(client)

	time.Sleep(120 * time.Millisecond)

	resp := doJSON(t, plain, http.MethodGet, fx.srv.URL+"/books", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/auth/logout", resp.Header.Get("Location"))

	// Following the redirect terminates at a fresh anonymous session.
	resp = doJSON(t, client, http.MethodGet, fx.srv.URL+"/auth/logout", nil)
	sess := decodeBody[api.SessionResponse](t, resp)
	assert.Empty(t, sess.Email)
	assert.NotEmpty(t, sess.CSRFToken)
}
