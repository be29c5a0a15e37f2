package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"

	"pulpo/errors"
)

const encPrefix = "enc:"

// Encryptor encrypts stored tokens with AES-256-GCM. The key is
// derived from a passphrase via Argon2id with a salt deterministic in
// the passphrase, so the same passphrase decrypts across restarts.
type Encryptor struct {
	key []byte // 32 bytes
}

// NewEncryptor derives the key from a passphrase. Returns an error if
// the passphrase is empty.
func NewEncryptor(passphrase string) (*Encryptor, error) {
	if passphrase == "" {
		return nil, errors.Configuration("encryption passphrase", "encryption passphrase must not be empty")
	}
	saltSeed := sha256.Sum256([]byte("pulpo.credentials." + passphrase))
	key := argon2.IDKey([]byte(passphrase), saltSeed[:16], 1, 64*1024, 4, 32)
	return &Encryptor{key: key}, nil
}

// Encrypt returns "enc:" + base64(nonce + ciphertext).
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrapf(err, "generate nonce")
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Input without the "enc:" prefix is
// returned as-is for compatibility with values stored in the clear.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, encPrefix) {
		return ciphertext, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, encPrefix))
	if err != nil {
		return "", errors.Wrapf(err, "base64 decode")
	}
	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errors.Wrapf(err, "decrypt")
	}
	return string(plaintext), nil
}

func (e *Encryptor) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, errors.Wrapf(err, "create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrapf(err, "create gcm")
	}
	return gcm, nil
}
