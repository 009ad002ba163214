package e2e

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
)

const (
	EnvelopeVersion = 1
	EnvelopeAlg     = "AES-256-GCM"
	nonceLen        = 12
)

// ErrInvalidEnvelope is returned when a body does not have the encrypted
// envelope shape.
var ErrInvalidEnvelope = errors.New("invalid encrypted envelope")

// Envelope is the JSON form of an encrypted message body.
type Envelope struct {
	V          int    `json:"v"`
	Alg        string `json:"alg"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// ParseEnvelope decodes body and checks its shape without decrypting it.
func ParseEnvelope(body string) (*Envelope, []byte, []byte, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, nil, nil, errors.Wrap(ErrInvalidEnvelope, err.Error())
	}
	if env.V != EnvelopeVersion {
		return nil, nil, nil, errors.Wrapf(ErrInvalidEnvelope, "unsupported version %d", env.V)
	}
	if env.Alg != EnvelopeAlg {
		return nil, nil, nil, errors.Wrapf(ErrInvalidEnvelope, "unsupported alg %q", env.Alg)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != nonceLen {
		return nil, nil, nil, errors.Wrapf(ErrInvalidEnvelope, "iv must be %d bytes", nonceLen)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil || len(ct) == 0 {
		return nil, nil, nil, errors.Wrap(ErrInvalidEnvelope, "ciphertext not decodable")
	}
	return &env, iv, ct, nil
}

// ValidateEnvelope checks shape only. The server never holds a key to go further.
func ValidateEnvelope(body string) error {
	_, _, _, err := ParseEnvelope(body)
	return err
}

// NewAEAD builds the AES-256-GCM cipher for a 32-byte conversation key.
func NewAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, errors.Errorf("conversation key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "init conversation cipher")
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext into the JSON envelope string.
func Seal(aead cipher.AEAD, plaintext []byte) (string, error) {
	iv := make([]byte, nonceLen)
	if _, err := rand.Read(iv); err != nil {
		return "", errors.Wrap(err, "generate iv")
	}
	env := Envelope{
		V:          EnvelopeVersion,
		Alg:        EnvelopeAlg,
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, iv, plaintext, nil)),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return "", errors.Wrap(err, "encode envelope")
	}
	return string(out), nil
}

// Open decrypts an envelope string.
func Open(aead cipher.AEAD, body string) ([]byte, error) {
	_, iv, ct, err := ParseEnvelope(body)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt envelope")
	}
	return pt, nil
}
