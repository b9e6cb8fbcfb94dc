package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// AESKeySize is the key length for AES-256-GCM, used to seal card details
// and persisted session records.
const AESKeySize = 32

// newGCM validates the key and builds the AEAD. Both directions share it so
// a key-size mistake fails the same way everywhere.
func newGCM(rawKey []byte) (cipher.AEAD, error) {
	if len(rawKey) != AESKeySize {
		return nil, fmt.Errorf("aes key must be %d bytes, got %d", AESKeySize, len(rawKey))
	}
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

func EncryptAES(plainText, rawKey []byte) ([]byte, error) {
	return EncryptAESWithAAD(plainText, rawKey, nil)
}

// EncryptAESWithAAD seals plainText under rawKey, binding aad into the
// authentication tag. The random nonce is prepended to the returned
// ciphertext.
func EncryptAESWithAAD(plainText, rawKey, aad []byte) ([]byte, error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plainText, aad), nil
}

func DecryptAES(cipherText, rawKey []byte) ([]byte, error) {
	return DecryptAESWithAAD(cipherText, rawKey, nil)
}

// DecryptAESWithAAD opens ciphertext produced by EncryptAESWithAAD. It
// fails if the key or aad differ from the ones used at seal time, or if
// the ciphertext was modified.
func DecryptAESWithAAD(cipherText, rawKey, aad []byte) ([]byte, error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}
	if len(cipherText) < gcm.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	nonce, sealed := cipherText[:gcm.NonceSize()], cipherText[gcm.NonceSize():]
	plainText, err := gcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypting ciphertext: %w", err)
	}
	return plainText, nil
}

// NewAESKey draws a fresh random AES-256 key.
func NewAESKey() ([]byte, error) {
	rawKey := make([]byte, AESKeySize)
	if _, err := rand.Read(rawKey); err != nil {
		return nil, fmt.Errorf("generating AES key: %w", err)
	}
	return rawKey, nil
}
