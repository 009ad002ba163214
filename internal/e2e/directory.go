package e2e

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
)

// KeyStore persists published keys.
type KeyStore interface {
	UpsertPublicKey(ctx context.Context, key *data.PublicKey) error
	GetPublicKey(ctx context.Context, userID, deviceID string) (*data.PublicKey, error)
}

// Interactor is the access-control check applied before revealing a key.
type Interactor interface {
	AssertCanInteract(ctx context.Context, a, b string) error
}

// Directory is the server-side public key directory. It stores metadata only.
type Directory struct {
	store KeyStore
	gate  Interactor
	now   func() time.Time
}

// NewDirectory returns a Directory over store, gated by gate.
func NewDirectory(store KeyStore, gate Interactor) *Directory {
	return &Directory{store: store, gate: gate, now: time.Now}
}

// Publish validates jwk and upserts it for (userID, deviceID).
func (d *Directory) Publish(ctx context.Context, userID, deviceID string, jwk []byte) (*data.PublicKey, error) {
	if deviceID == "" {
		return nil, apperr.Validation("deviceId is required")
	}
	key, err := ParseJWK(jwk)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "publicKey must be a P-256 EC public JWK", err)
	}
	rec := &data.PublicKey{
		UserID:      userID,
		DeviceID:    deviceID,
		JWK:         key.String(),
		Fingerprint: key.Thumbprint(),
		UpdatedAt:   d.now().UTC(),
	}
	if err := d.store.UpsertPublicKey(ctx, rec); err != nil {
		return nil, apperr.Internal(err)
	}
	return rec, nil
}

// Resolve returns peerID's key as seen by requesterID. An empty deviceID
// selects the most recently updated device.
func (d *Directory) Resolve(ctx context.Context, requesterID, peerID, deviceID string) (*data.PublicKey, error) {
	if err := d.gate.AssertCanInteract(ctx, requesterID, peerID); err != nil {
		return nil, err
	}
	key, err := d.store.GetPublicKey(ctx, peerID, deviceID)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return nil, apperr.NotFound("public key not found")
		}
		return nil, apperr.Internal(err)
	}
	return key, nil
}

// DirectoryResolver adapts a Directory to KeyResolver for an in-process client.
type DirectoryResolver struct {
	Directory   *Directory
	RequesterID string
}

// ResolvePeerKey implements KeyResolver.
func (r DirectoryResolver) ResolvePeerKey(ctx context.Context, peerID string) (PeerKey, error) {
	rec, err := r.Directory.Resolve(ctx, r.RequesterID, peerID, "")
	if err != nil {
		return PeerKey{}, err
	}
	jwk, err := ParseJWK([]byte(rec.JWK))
	if err != nil {
		return PeerKey{}, err
	}
	return PeerKey{UserID: rec.UserID, DeviceID: rec.DeviceID, JWK: jwk, Fingerprint: rec.Fingerprint}, nil
}
