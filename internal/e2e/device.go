package e2e

import (
	"crypto/ecdh"
	"crypto/rand"

	"github.com/pkg/errors"
)

// Device is one client installation's ECDH identity. The private key never
// leaves this struct except wrapped by a Keyring.
type Device struct {
	ID          string
	priv        *ecdh.PrivateKey
	public      JWK
	fingerprint string
}

// NewDevice generates a fresh P-256 key pair.
func NewDevice(id string) (*Device, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate device key")
	}
	return deviceFromPrivate(id, priv)
}

func deviceFromPrivate(id string, priv *ecdh.PrivateKey) (*Device, error) {
	pub, err := PublicJWK(priv.PublicKey())
	if err != nil {
		return nil, errors.Wrap(err, "encode public key")
	}
	return &Device{ID: id, priv: priv, public: pub, fingerprint: pub.Thumbprint()}, nil
}

// PublicJWK returns the key to publish to the directory.
func (d *Device) PublicJWK() JWK { return d.public }

// Fingerprint returns the thumbprint of the device's public key.
func (d *Device) Fingerprint() string { return d.fingerprint }

// SharedKey runs ECDH against peer. The raw 32-byte secret is the
// conversation key.
func (d *Device) SharedKey(peer JWK) ([]byte, error) {
	pub, err := peer.PublicKey()
	if err != nil {
		return nil, err
	}
	secret, err := d.priv.ECDH(pub)
	if err != nil {
		return nil, errors.Wrap(err, "ecdh")
	}
	return secret, nil
}
