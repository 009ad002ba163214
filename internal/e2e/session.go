package e2e

import (
	"context"
	"crypto/cipher"
	"sync"

	"github.com/pkg/errors"
)

// Placeholder replaces bodies that cannot be decrypted.
const Placeholder = "🔒 Unable to decrypt this message"

// PeerKey is a resolved peer public key.
type PeerKey struct {
	UserID      string
	DeviceID    string
	JWK         JWK
	Fingerprint string
}

// KeyResolver fetches a peer's current public key from the directory.
type KeyResolver interface {
	ResolvePeerKey(ctx context.Context, peerID string) (PeerKey, error)
}

// Session encrypts and decrypts conversation bodies for one signed-in device.
type Session struct {
	self     string
	device   *Device
	resolver KeyResolver
	cache    *KeyCache

	mu    sync.Mutex
	peers map[string]PeerKey
}

// NewSession binds a device to a user and a key resolver.
func NewSession(selfID string, device *Device, resolver KeyResolver, cache *KeyCache) *Session {
	if cache == nil {
		cache = NewKeyCache()
	}
	return &Session{
		self:     selfID,
		device:   device,
		resolver: resolver,
		cache:    cache,
		peers:    make(map[string]PeerKey),
	}
}

func (s *Session) peerKey(ctx context.Context, peerID string, refresh bool) (PeerKey, error) {
	s.mu.Lock()
	pk, ok := s.peers[peerID]
	s.mu.Unlock()
	if ok && !refresh {
		return pk, nil
	}

	pk, err := s.resolver.ResolvePeerKey(ctx, peerID)
	if err != nil {
		return PeerKey{}, errors.Wrapf(err, "resolve key for %s", peerID)
	}
	if pk.Fingerprint == "" {
		pk.Fingerprint = pk.JWK.Thumbprint()
	}
	s.mu.Lock()
	s.peers[peerID] = pk
	s.mu.Unlock()
	return pk, nil
}

// conversationCipher returns the AEAD for peerID, deriving it on cache miss.
func (s *Session) conversationCipher(ctx context.Context, peerID string, refresh bool) (cipher.AEAD, error) {
	pk, err := s.peerKey(ctx, peerID, refresh)
	if err != nil {
		return nil, err
	}
	if aead, ok := s.cache.Get(s.self, peerID, pk.Fingerprint); ok {
		return aead, nil
	}
	secret, err := s.device.SharedKey(pk.JWK)
	if err != nil {
		return nil, errors.Wrap(err, "derive conversation key")
	}
	defer zero(secret)
	aead, err := NewAEAD(secret)
	if err != nil {
		return nil, errors.Wrap(err, "import conversation key")
	}
	s.cache.Put(s.self, peerID, pk.Fingerprint, aead)
	return aead, nil
}

// Encrypt seals plaintext for peerID and returns the envelope body.
func (s *Session) Encrypt(ctx context.Context, peerID, plaintext string) (string, error) {
	aead, err := s.conversationCipher(ctx, peerID, false)
	if err != nil {
		return "", err
	}
	return Seal(aead, []byte(plaintext))
}

// Decrypt opens an envelope exchanged with peerID.
func (s *Session) Decrypt(ctx context.Context, peerID, body string) (string, error) {
	aead, err := s.conversationCipher(ctx, peerID, false)
	if err != nil {
		return "", err
	}
	pt, err := Open(aead, body)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// DecryptOrPlaceholder never fails. On a first failure the peer key is
// re-resolved once in case it rotated; if that also fails the placeholder is
// returned.
func (s *Session) DecryptOrPlaceholder(ctx context.Context, peerID, body string) string {
	if pt, err := s.Decrypt(ctx, peerID, body); err == nil {
		return pt
	}
	aead, err := s.conversationCipher(ctx, peerID, true)
	if err != nil {
		return Placeholder
	}
	pt, err := Open(aead, body)
	if err != nil {
		return Placeholder
	}
	return string(pt)
}
