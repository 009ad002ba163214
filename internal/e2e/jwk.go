// Package e2e holds the end-to-end encryption boundary. The server side
// (Directory, ValidateEnvelope) only ever sees public keys and envelope shape;
// the client side (Device, Keyring, Session) owns private keys and plaintext.
package e2e

import (
	"bytes"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

const coordSize = 32

var (
	// ErrInvalidJWK is returned for anything other than a P-256 EC public key.
	ErrInvalidJWK = errors.New("invalid P-256 public JWK")

	b64url = base64.RawURLEncoding
)

// JWK is the public half of a P-256 key in JSON Web Key form.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// PublicJWK encodes an ECDH P-256 public key.
func PublicJWK(pub *ecdh.PublicKey) (JWK, error) {
	if pub.Curve() != ecdh.P256() {
		return JWK{}, errors.Wrap(ErrInvalidJWK, "curve is not P-256")
	}
	raw := pub.Bytes() // 0x04 || X || Y
	if len(raw) != 1+2*coordSize {
		return JWK{}, errors.Wrapf(ErrInvalidJWK, "unexpected point length %d", len(raw))
	}
	return JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   b64url.EncodeToString(raw[1 : 1+coordSize]),
		Y:   b64url.EncodeToString(raw[1+coordSize:]),
	}, nil
}

// ParseJWK decodes and validates a public JWK. Private members are rejected.
func ParseJWK(raw []byte) (JWK, error) {
	var in struct {
		JWK
		D *string `json:"d"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&in); err != nil {
		return JWK{}, errors.Wrap(ErrInvalidJWK, err.Error())
	}
	if in.D != nil {
		return JWK{}, errors.Wrap(ErrInvalidJWK, "private key material present")
	}
	if _, err := in.JWK.PublicKey(); err != nil {
		return JWK{}, err
	}
	return in.JWK, nil
}

// PublicKey validates the JWK and returns the curve point it encodes.
func (j JWK) PublicKey() (*ecdh.PublicKey, error) {
	if j.Kty != "EC" || j.Crv != "P-256" {
		return nil, errors.Wrapf(ErrInvalidJWK, "kty=%q crv=%q", j.Kty, j.Crv)
	}
	x, err := b64url.DecodeString(j.X)
	if err != nil || len(x) != coordSize {
		return nil, errors.Wrap(ErrInvalidJWK, "bad x coordinate")
	}
	y, err := b64url.DecodeString(j.Y)
	if err != nil || len(y) != coordSize {
		return nil, errors.Wrap(ErrInvalidJWK, "bad y coordinate")
	}
	point := make([]byte, 0, 1+2*coordSize)
	point = append(point, 0x04)
	point = append(point, x...)
	point = append(point, y...)
	pub, err := ecdh.P256().NewPublicKey(point)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidJWK, err.Error())
	}
	return pub, nil
}

// Thumbprint is the RFC 7638 SHA-256 thumbprint, base64url without padding.
func (j JWK) Thumbprint() string {
	// required members only, in lexicographic order, no whitespace
	canonical := fmt.Sprintf(`{"crv":%q,"kty":%q,"x":%q,"y":%q}`, j.Crv, j.Kty, j.X, j.Y)
	sum := sha256.Sum256([]byte(canonical))
	return b64url.EncodeToString(sum[:])
}

// String returns the compact JSON form stored in the key directory.
func (j JWK) String() string {
	out, _ := json.Marshal(j)
	return string(out)
}
