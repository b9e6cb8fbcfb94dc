package session

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/gbianchi/bookshop/internal/util"
)

// Keyring holds the server key used to seal card data at rest in the
// session. The key is loaded once at process start into a memguard
// Enclave (encrypted while at rest in memory) and opened only for the
// duration of each seal/open operation. It is never logged and never
// persisted alongside the data it protects; rotation happens out of band
// by replacing the key file and restarting.
type Keyring struct {
	key *memguard.Enclave
}

// NewKeyring wraps a 32-byte AES key. The caller's copy is wiped.
func NewKeyring(rawKey []byte) (*Keyring, error) {
	if len(rawKey) != util.AESKeySize {
		return nil, fmt.Errorf("session key must be exactly %d bytes, got %d", util.AESKeySize, len(rawKey))
	}
	return &Keyring{key: memguard.NewEnclave(rawKey)}, nil
}

// NewKeyringFromFile reads the key file at path, accepting either the
// raw 32 bytes or their hex encoding. A missing file is an error;
// generating and installing a key is an operator action.
func NewKeyringFromFile(path string) (*Keyring, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading session key file: %w", err)
	}
	if len(raw) != util.AESKeySize {
		if key, derr := util.HexDecode(strings.TrimSpace(string(raw))); derr == nil && len(key) == util.AESKeySize {
			return NewKeyring(key)
		}
	}
	return NewKeyring(raw)
}

// NewEphemeralKeyring generates a throwaway key. Sessions sealed with it
// do not survive a restart; intended for tests and demos.
func NewEphemeralKeyring() (*Keyring, error) {
	raw, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	return NewKeyring(raw)
}

// sealBytes encrypts plaintext with the enclave key, binding aad.
func (k *Keyring) sealBytes(plaintext, aad []byte) ([]byte, error) {
	buf, err := k.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening session key enclave: %w", err)
	}
	defer buf.Destroy()
	return util.EncryptAESWithAAD(plaintext, buf.Bytes(), aad)
}

// openBytes reverses sealBytes.
func (k *Keyring) openBytes(ciphertext, aad []byte) ([]byte, error) {
	buf, err := k.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening session key enclave: %w", err)
	}
	defer buf.Destroy()
	return util.DecryptAESWithAAD(ciphertext, buf.Bytes(), aad)
}

// Seal encrypts one field and returns base64(nonce||ciphertext||tag).
func (k *Keyring) Seal(plaintext string) (string, error) {
	ct, err := k.sealBytes([]byte(plaintext), nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Open decrypts one sealed field.
func (k *Keyring) Open(sealed string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decoding sealed field: %w", err)
	}
	pt, err := k.openBytes(data, nil)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// SealPaymentInfo encrypts each card field independently.
func (k *Keyring) SealPaymentInfo(cardHolderName, cardNumber, expire, cvv string) (*EncryptedPaymentInfo, error) {
	var (
		pi  EncryptedPaymentInfo
		err error
	)
	if pi.CardHolderNameCt, err = k.Seal(cardHolderName); err != nil {
		return nil, err
	}
	if pi.CardNumberCt, err = k.Seal(cardNumber); err != nil {
		return nil, err
	}
	if pi.ExpireCt, err = k.Seal(expire); err != nil {
		return nil, err
	}
	if pi.CVVCt, err = k.Seal(cvv); err != nil {
		return nil, err
	}
	return &pi, nil
}

// PaymentInfo is the decrypted form of the card fields, used for masked
// display and at commit time only.
type PaymentInfo struct {
	CardHolderName string
	CardNumber     string
	Expire         string
	CVV            string
}

// OpenPaymentInfo decrypts every card field of the sealed record.
func (k *Keyring) OpenPaymentInfo(pi *EncryptedPaymentInfo) (*PaymentInfo, error) {
	var (
		out PaymentInfo
		err error
	)
	if out.CardHolderName, err = k.Open(pi.CardHolderNameCt); err != nil {
		return nil, err
	}
	if out.CardNumber, err = k.Open(pi.CardNumberCt); err != nil {
		return nil, err
	}
	if out.Expire, err = k.Open(pi.ExpireCt); err != nil {
		return nil, err
	}
	if out.CVV, err = k.Open(pi.CVVCt); err != nil {
		return nil, err
	}
	return &out, nil
}

// MaskedNumber returns the card number with all but the last four digits
// replaced, for display on the summary page.
func (p *PaymentInfo) MaskedNumber() string {
	digits := make([]rune, 0, len(p.CardNumber))
	for _, r := range p.CardNumber {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) <= 4 {
		return string(digits)
	}
	masked := make([]rune, len(digits))
	for i := range digits {
		if i < len(digits)-4 {
			masked[i] = '*'
		} else {
			masked[i] = digits[i]
		}
	}
	return string(masked)
}
