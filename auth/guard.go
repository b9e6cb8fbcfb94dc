// Package auth implements account signup, password login with
// per-account throttling, and OTP-based password recovery.
//
// Throttling is persisted on the account row, not held in process
// memory, so a restart does not reset an active block.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/gbianchi/bookshop/internal/util"
	"github.com/gbianchi/bookshop/storage"
)

const (
	// DefaultMaxAttempts failed logins inside DefaultWindow trip a block
	// of DefaultBlockDuration.
	DefaultMaxAttempts   = 3
	DefaultWindow        = 30 * time.Second
	DefaultBlockDuration = 30 * time.Second
	// DefaultOTPInterval is the minimum spacing between recovery codes;
	// a code is also only accepted within this interval of issue.
	DefaultOTPInterval = 120 * time.Second

	otpLength         = 8
	minPasswordLength = 8
	saltBytes         = 16
)

var (
	// ErrInvalidCredentials covers both unknown email and wrong
	// password, so responses do not reveal which one it was.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrAccountBlocked means the account is inside a lockout window.
	ErrAccountBlocked = errors.New("account temporarily blocked")
	// ErrOTPAlreadySent rejects a second code inside the issue interval.
	ErrOTPAlreadySent = errors.New("a recovery code was already sent, try again later")
	// ErrInvalidOTP covers a wrong, expired, or never-issued code.
	ErrInvalidOTP = errors.New("invalid or expired recovery code")
	// ErrPasswordMismatch means password and repeat differ.
	ErrPasswordMismatch = errors.New("passwords do not match")
	// ErrWeakPassword rejects passwords shorter than the minimum.
	ErrWeakPassword = fmt.Errorf("password must be at least %d characters", minPasswordLength)
	// ErrInvalidEmail rejects malformed addresses.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrSamePassword rejects a password change that keeps the old one.
	ErrSamePassword = errors.New("new password must differ from the current one")
)

// Config tunes the throttling state machine. Zero values fall back to
// the defaults.
type Config struct {
	MaxAttempts   int
	Window        time.Duration
	BlockDuration time.Duration
	OTPInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = DefaultBlockDuration
	}
	if c.OTPInterval <= 0 {
		c.OTPInterval = DefaultOTPInterval
	}
	return c
}

// Guard is the account security gate. All clocks go through now() so
// tests can pin time.
type Guard struct {
	repo storage.Repository
	cfg  Config
	now  func() time.Time
}

func NewGuard(repo storage.Repository, cfg Config) *Guard {
	return &Guard{repo: repo, cfg: cfg.withDefaults(), now: time.Now}
}

// SignupForm carries the registration fields.
type SignupForm struct {
	Email      string
	Password   string
	Repeat     string
	FirstName  string
	LastName   string
	Address    string
	City       string
	Province   string
	PostalCode string
	Country    string
}

// Signup validates the form, hashes the password, and creates the
// account. A taken email surfaces as storage.ErrDuplicateEmail.
func (g *Guard) Signup(form SignupForm) (*storage.User, error) {
	addr := strings.TrimSpace(strings.ToLower(form.Email))
	if _, err := mail.ParseAddress(addr); err != nil {
		return nil, ErrInvalidEmail
	}
	if len(form.Password) < minPasswordLength {
		return nil, ErrWeakPassword
	}
	if form.Password != form.Repeat {
		return nil, ErrPasswordMismatch
	}
	hash, err := HashPassword(form.Password)
	if err != nil {
		return nil, err
	}
	salt, err := util.RandomBytes(saltBytes)
	if err != nil {
		return nil, err
	}
	u := &storage.User{
		ID:           uuid.NewString(),
		Email:        addr,
		PasswordHash: hash,
		Salt:         util.HexEncode(salt),
		FirstName:    strings.TrimSpace(form.FirstName),
		LastName:     strings.TrimSpace(form.LastName),
		Address:      strings.TrimSpace(form.Address),
		City:         strings.TrimSpace(form.City),
		Province:     strings.TrimSpace(form.Province),
		PostalCode:   strings.TrimSpace(form.PostalCode),
		Country:      strings.TrimSpace(form.Country),
	}
	if err := g.repo.InsertUser(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Login evaluates one password attempt against the account's persisted
// security state. The block check comes before any password work, so a
// blocked account never burns a bcrypt comparison.
func (g *Guard) Login(email, password string) (*storage.User, error) {
	addr := strings.TrimSpace(strings.ToLower(email))
	u, err := g.repo.FindUserByEmail(addr)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("loading account %s: %w", addr, err)
	}

	now := g.now()
	if g.isBlocked(u, now) {
		return nil, ErrAccountBlocked
	}

	if CheckPassword(u.PasswordHash, password) {
		if err := g.repo.UpdateAccountSecurity(addr, storage.SecurityUpdate{TouchAccess: true}); err != nil {
			return nil, fmt.Errorf("resetting security state for %s: %w", addr, err)
		}
		return u, nil
	}

	return nil, g.recordFailure(addr, u, now)
}

// isBlocked reports whether the account is inside its lockout window.
func (g *Guard) isBlocked(u *storage.User, now time.Time) bool {
	if u.BlockedSeconds == 0 {
		return false
	}
	return now.Before(u.LastAccess.Add(time.Duration(u.BlockedSeconds) * time.Second))
}

// recordFailure advances the failure counter. A run of MaxAttempts
// failures inside the window trips the block; a failure after the
// window restarts the count at one.
func (g *Guard) recordFailure(addr string, u *storage.User, now time.Time) error {
	inWindow := u.FailedAccesses > 0 && now.Sub(u.LastAccess) <= g.cfg.Window

	upd := storage.SecurityUpdate{TouchAccess: true}
	result := ErrInvalidCredentials
	switch {
	case !inWindow:
		upd.FailedAccesses = 1
	case u.FailedAccesses+1 >= g.cfg.MaxAttempts:
		upd.FailedAccesses = 0
		upd.BlockedSeconds = int64(g.cfg.BlockDuration / time.Second)
		result = ErrAccountBlocked
	default:
		upd.FailedAccesses = u.FailedAccesses + 1
	}
	if err := g.repo.UpdateAccountSecurity(addr, upd); err != nil {
		return fmt.Errorf("recording failed login for %s: %w", addr, err)
	}
	return result
}

// IssueOTP generates a recovery code for the account and persists its
// hash. The plaintext code is returned to the caller for delivery and
// exists nowhere else.
func (g *Guard) IssueOTP(email string) (string, error) {
	addr := strings.TrimSpace(strings.ToLower(email))
	u, err := g.repo.FindUserByEmail(addr)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("loading account %s: %w", addr, err)
	}

	// A request at exactly the interval boundary is still inside it.
	now := g.now()
	if !u.LastOTP.IsZero() && now.Sub(u.LastOTP) <= g.cfg.OTPInterval {
		return "", ErrOTPAlreadySent
	}

	otp, err := util.RandomChars(otpLength)
	if err != nil {
		return "", err
	}
	if err := g.repo.SetOTP(addr, hashOTP(otp, u.Salt), now); err != nil {
		return "", fmt.Errorf("storing recovery code for %s: %w", addr, err)
	}
	return otp, nil
}

// Recover sets a new password when the submitted code matches the
// stored hash and is still inside its validity interval. The stored
// code is cleared on success.
func (g *Guard) Recover(email, otp, password, repeat string) error {
	if len(password) < minPasswordLength {
		return ErrWeakPassword
	}
	if password != repeat {
		return ErrPasswordMismatch
	}

	addr := strings.TrimSpace(strings.ToLower(email))
	u, err := g.repo.FindUserByEmail(addr)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("loading account %s: %w", addr, err)
	}

	if u.OTPHash == "" {
		return ErrInvalidOTP
	}
	if g.now().Sub(u.LastOTP) > g.cfg.OTPInterval {
		return ErrInvalidOTP
	}
	want := []byte(u.OTPHash)
	got := []byte(hashOTP(strings.ToUpper(strings.TrimSpace(otp)), u.Salt))
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return ErrInvalidOTP
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	if err := g.repo.UpdateUserPassword(addr, hash); err != nil {
		return fmt.Errorf("updating password for %s: %w", addr, err)
	}
	return nil
}

// ChangePassword replaces the password of a logged-in account. The
// current password must verify, and the new one must actually change it.
func (g *Guard) ChangePassword(email, current, password, repeat string) error {
	if len(password) < minPasswordLength {
		return ErrWeakPassword
	}
	if password != repeat {
		return ErrPasswordMismatch
	}

	addr := strings.TrimSpace(strings.ToLower(email))
	u, err := g.repo.FindUserByEmail(addr)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("loading account %s: %w", addr, err)
	}
	if !CheckPassword(u.PasswordHash, current) {
		return ErrInvalidCredentials
	}
	if CheckPassword(u.PasswordHash, password) {
		return ErrSamePassword
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	if err := g.repo.UpdateUserPassword(addr, hash); err != nil {
		return fmt.Errorf("updating password for %s: %w", addr, err)
	}
	return nil
}

// hashOTP binds the code to the account through its salt.
func hashOTP(otp, salt string) string {
	sum := sha256.Sum256([]byte(otp + salt))
	return util.HexEncode(sum[:])
}

// HashPassword bcrypt-hashes the NFKD-normalized password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(util.Normalize(password)), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword verifies a password against its bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(util.Normalize(password))) == nil
}
