// Package gate decides whether two users may interact. Block edges are read
// from the store on every call; nothing is cached.
package gate

import (
	"context"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
)

// Store is the subset of persistence the gate reads.
type Store interface {
	BlockExists(ctx context.Context, a, b string) (bool, error)
	BlockedAmong(ctx context.Context, userID string, others []string) (map[string]bool, error)
	GetUsers(ctx context.Context, ids []string) ([]*data.User, error)
}

// Gate answers access-control questions.
type Gate struct {
	store Store
}

// New returns a Gate backed by store.
func New(store Store) *Gate {
	return &Gate{store: store}
}

// AssertCanInteract returns a Forbidden error when a block edge exists between
// a and b in either direction.
func (g *Gate) AssertCanInteract(ctx context.Context, a, b string) error {
	if a == b {
		return nil
	}
	blocked, err := g.store.BlockExists(ctx, a, b)
	if err != nil {
		return apperr.Internal(err)
	}
	if blocked {
		return apperr.Forbidden("interaction not allowed")
	}
	return nil
}

// FilterVisible returns the candidates whose presence viewerID may see: no
// block edge with the viewer and the candidate shares online status. The
// viewer itself is never included. Input order is preserved.
func (g *Gate) FilterVisible(ctx context.Context, viewerID string, candidateIDs []string) ([]string, error) {
	others := without(candidateIDs, viewerID)
	if len(others) == 0 {
		return []string{}, nil
	}
	blocked, err := g.store.BlockedAmong(ctx, viewerID, others)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	users, err := g.store.GetUsers(ctx, others)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	sharing := make(map[string]bool, len(users))
	for _, u := range users {
		sharing[u.ID] = u.ShowOnlineStatus
	}

	out := make([]string, 0, len(others))
	for _, id := range others {
		if !blocked[id] && sharing[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// VisibleViewers is the inverse of FilterVisible: the viewers allowed to see
// subjectID's presence. A subject that hides its status has no viewers.
func (g *Gate) VisibleViewers(ctx context.Context, subjectID string, viewerIDs []string) ([]string, error) {
	others := without(viewerIDs, subjectID)
	if len(others) == 0 {
		return []string{}, nil
	}
	users, err := g.store.GetUsers(ctx, []string{subjectID})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if len(users) == 0 || !users[0].ShowOnlineStatus {
		return []string{}, nil
	}
	return g.unblocked(ctx, subjectID, others)
}

// Unblocked returns the candidates that share no block edge with userID,
// regardless of online-status preferences. It is the audience for profile
// changes, which must reach viewers even when presence is being hidden.
func (g *Gate) Unblocked(ctx context.Context, userID string, candidateIDs []string) ([]string, error) {
	others := without(candidateIDs, userID)
	if len(others) == 0 {
		return []string{}, nil
	}
	return g.unblocked(ctx, userID, others)
}

func (g *Gate) unblocked(ctx context.Context, userID string, others []string) ([]string, error) {
	blocked, err := g.store.BlockedAmong(ctx, userID, others)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	out := make([]string, 0, len(others))
	for _, id := range others {
		if !blocked[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func without(ids []string, skip string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || id == skip || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
