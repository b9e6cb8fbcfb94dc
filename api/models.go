package api

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SignupRequest is the JSON body for POST /auth/signup.
type SignupRequest struct {
	Token      string `json:"token"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	Repeat     string `json:"repeat"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Address    string `json:"address,omitempty"`
	City       string `json:"city,omitempty"`
	Province   string `json:"province,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Token    string `json:"token"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SessionResponse is returned from signup, login, and the pages that
// need the current CSRF token.
type SessionResponse struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	CSRFToken   string `json:"csrf_token"`
}

// OTPRequest is the JSON body for POST /auth/otp.
type OTPRequest struct {
	Token string `json:"token"`
	Email string `json:"email"`
}

// RecoverRequest is the JSON body for POST /auth/recover.
type RecoverRequest struct {
	Token    string `json:"token"`
	Email    string `json:"email"`
	OTP      string `json:"otp"`
	Password string `json:"password"`
	Repeat   string `json:"repeat"`
}

// ProfileResponse is returned from GET /profile.
type ProfileResponse struct {
	Email      string `json:"email"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Address    string `json:"address,omitempty"`
	City       string `json:"city,omitempty"`
	Province   string `json:"province,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// ChangePasswordRequest is the JSON body for POST /profile/password.
type ChangePasswordRequest struct {
	Token    string `json:"token"`
	Current  string `json:"current"`
	Password string `json:"password"`
	Repeat   string `json:"repeat"`
}

// BookSummary is one catalog entry as served to clients. Stock is
// reported as availability, not as a count.
type BookSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Publisher string `json:"publisher,omitempty"`
	Price     string `json:"price"`
	Category  string `json:"category,omitempty"`
	Available bool   `json:"available"`
	HasEbook  bool   `json:"has_ebook"`
}

// ListBooksResponse is returned from GET /books.
type ListBooksResponse struct {
	Books []BookSummary `json:"books"`
}

// CartItemRequest is the JSON body for POST /cart/items and /cart/remove.
type CartItemRequest struct {
	Token    string `json:"token"`
	BookID   string `json:"book_id"`
	Quantity int    `json:"quantity"`
}

// CartLineResponse is one cart line in a cart view.
type CartLineResponse struct {
	BookID    string `json:"book_id"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	UnitPrice string `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

// CartResponse is returned from GET /cart.
type CartResponse struct {
	Lines     []CartLineResponse `json:"lines"`
	Total     string             `json:"total"`
	CSRFToken string             `json:"csrf_token"`
}

// PaymentRequest is the JSON body for POST /checkout/payment.
type PaymentRequest struct {
	Token          string `json:"token"`
	CardHolderName string `json:"card_holder_name"`
	CardNumber     string `json:"card_number"`
	Expire         string `json:"expire"`
	CVV            string `json:"cvv"`
}

// ShippingRequest is the JSON body for POST /checkout/shipping.
type ShippingRequest struct {
	Token      string `json:"token"`
	FullName   string `json:"full_name"`
	Address    string `json:"address"`
	City       string `json:"city"`
	Province   string `json:"province,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// StepResponse names the next checkout step to show.
type StepResponse struct {
	Next string `json:"next"`
}

// SummaryResponse is returned from GET /checkout/summary.
type SummaryResponse struct {
	Lines          []CartLineResponse `json:"lines"`
	Total          string             `json:"total"`
	CardHolderName string             `json:"card_holder_name"`
	MaskedCard     string             `json:"masked_card"`
	ShipTo         string             `json:"ship_to"`
	CSRFToken      string             `json:"csrf_token"`
}

// PurchaseRequest is the JSON body for POST /checkout/summary.
type PurchaseRequest struct {
	Token string `json:"token"`
	Total string `json:"total"`
}

// PurchaseResponse is returned from a successful purchase.
type PurchaseResponse struct {
	Reference string             `json:"reference"`
	Total     string             `json:"total"`
	Lines     []CartLineResponse `json:"lines"`
}

// EditStepRequest is the JSON body for POST /checkout/edit.
type EditStepRequest struct {
	Token string `json:"token"`
	Step  string `json:"step"`
}

// HistoryEntryResponse is one purchase in the order history.
type HistoryEntryResponse struct {
	BookID   string `json:"book_id"`
	Title    string `json:"title"`
	Time     string `json:"time"`
	Amount   string `json:"amount"`
	Quantity int    `json:"quantity"`
	Method   string `json:"method"`
}

// HistoryResponse is returned from GET /purchases.
type HistoryResponse struct {
	Purchases []HistoryEntryResponse `json:"purchases"`
}

// DownloadRequest is the JSON body for POST /purchases/download.
type DownloadRequest struct {
	Token  string `json:"token"`
	BookID string `json:"book_id"`
}
