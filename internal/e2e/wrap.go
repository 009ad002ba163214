package e2e

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the PBKDF2 work factor for wrapping device keys.
	DefaultIterations = 600_000
	wrapVersion       = 1
	saltLen           = 16
	secretLen         = 32
)

// ErrWrongSecret is returned when a wrapped key cannot be opened.
var ErrWrongSecret = errors.New("wrapped key does not open with this device secret")

// WrappedKey is a device private key sealed for storage at rest.
type WrappedKey struct {
	V          int    `json:"v"`
	DeviceID   string `json:"deviceId"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Public     JWK    `json:"public"`
}

func wrappingKey(secret, salt []byte, iterations int) []byte {
	return pbkdf2.Key(secret, salt, iterations, 32, sha256.New)
}

// Wrap seals the device private key under a key derived from secret.
func (d *Device) Wrap(secret []byte, iterations int) (*WrappedKey, error) {
	if len(secret) != secretLen {
		return nil, errors.Errorf("device secret must be %d bytes", secretLen)
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "generate salt")
	}
	key := wrappingKey(secret, salt, iterations)
	defer zero(key)

	aead, err := NewAEAD(key)
	if err != nil {
		return nil, errors.Wrap(err, "init wrapping cipher")
	}
	iv := make([]byte, nonceLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, "generate iv")
	}
	raw := d.priv.Bytes()
	defer zero(raw)

	return &WrappedKey{
		V:          wrapVersion,
		DeviceID:   d.ID,
		KDF:        "PBKDF2-SHA256",
		Iterations: iterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         base64.StdEncoding.EncodeToString(iv),
		// the device id is bound as associated data
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, iv, raw, []byte(d.ID))),
		Public:     d.public,
	}, nil
}

// Unwrap restores the device sealed in w.
func Unwrap(w *WrappedKey, secret []byte) (*Device, error) {
	if w.V != wrapVersion {
		return nil, errors.Errorf("unsupported wrapped key version %d", w.V)
	}
	salt, err := base64.StdEncoding.DecodeString(w.Salt)
	if err != nil {
		return nil, errors.Wrap(err, "decode salt")
	}
	iv, err := base64.StdEncoding.DecodeString(w.IV)
	if err != nil {
		return nil, errors.Wrap(err, "decode iv")
	}
	ct, err := base64.StdEncoding.DecodeString(w.Ciphertext)
	if err != nil {
		return nil, errors.Wrap(err, "decode ciphertext")
	}

	key := wrappingKey(secret, salt, w.Iterations)
	defer zero(key)
	aead, err := NewAEAD(key)
	if err != nil {
		return nil, errors.Wrap(err, "init wrapping cipher")
	}
	raw, err := aead.Open(nil, iv, ct, []byte(w.DeviceID))
	if err != nil {
		return nil, ErrWrongSecret
	}
	defer zero(raw)

	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, errors.Wrap(err, "restore private key")
	}
	d, err := deviceFromPrivate(w.DeviceID, priv)
	if err != nil {
		return nil, err
	}
	if d.fingerprint != w.Public.Thumbprint() {
		return nil, errors.New("wrapped key public half does not match private key")
	}
	return d, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
