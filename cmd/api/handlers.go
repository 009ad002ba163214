package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
	"github.com/PaulBabatuyi/realtime-messenger/internal/delivery"
	"github.com/PaulBabatuyi/realtime-messenger/internal/normalize"
)

// === keys ===

// handlePublishKey (PUT /v1/keys)
func (a *app) handlePublishKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID  string          `json:"deviceId" validate:"required,max=128"`
		PublicKey json.RawMessage `json:"publicKey" validate:"required"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.respondWithError(w, err)
		return
	}
	key, err := a.directory.Publish(r.Context(), currentUser(r), normalize.ID(req.DeviceID), req.PublicKey)
	if err != nil {
		a.respondWithError(w, err)
		return
	}
	a.respondWithJSON(w, http.StatusOK, key)
}

// handleGetKey (GET /v1/users/{userID}/key?deviceId=)
func (a *app) handleGetKey(w http.ResponseWriter, r *http.Request) {
	peerID := normalize.ID(chi.URLParam(r, "userID"))
	deviceID := normalize.ID(r.URL.Query().Get("deviceId"))
	key, err := a.directory.Resolve(r.Context(), currentUser(r), peerID, deviceID)
	if err != nil {
		a.respondWithError(w, err)
		return
	}
	a.respondWithJSON(w, http.StatusOK, key)
}

// === conversations ===

// handleOpenConversation (POST /v1/conversations)
func (a *app) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PeerID string `json:"peerId" validate:"required,max=128"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.respondWithError(w, err)
		return
	}
	conv, err := a.pipeline.OpenConversation(r.Context(), currentUser(r), req.PeerID)
	if err != nil {
		a.respondWithError(w, err)
		return
	}
	a.respondWithJSON(w, http.StatusOK, conv)
}

// handleListConversations (GET /v1/conversations?limit=)
func (a *app) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		a.respondWithError(w, err)
		return
	}
	convs, err := a.pipeline.Conversations(r.Context(), currentUser(r), limit)
	if err != nil {
		a.respondWithError(w, err)
		return
	}
	a.respondWithJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// handleHistory (GET /v1/conversations/{conversationID}/messages?before=&limit=)
func (a *app) handleHistory(w http.ResponseWriter, r *http.Request) {
	before, err := queryInt(r, "before")
	if err != nil {
		a.respondWithError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		a.respondWithError(w, err)
		return
	}
	msgs, err := a.pipeline.History(r.Context(), currentUser(r), chi.URLParam(r, "conversationID"), before, limit)
	if err != nil {
		a.respondWithError(w, err)
		return
	}
	a.respondWithJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleSendMessage (POST /v1/conversations/{conversationID}/messages) runs
// the same pipeline and fan-out as the realtime send.
func (a *app) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body             string `json:"body" validate:"required,max=65536"`
		Type             string `json:"type,omitempty" validate:"omitempty,oneof=text image video file voice"`
		IsEncrypted      bool   `json:"isEncrypted,omitempty"`
		ClientID         string `json:"clientId,omitempty" validate:"max=128"`
		ReplyToMessageID string `json:"replyToMessageId,omitempty" validate:"max=128"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.respondWithError(w, err)
		return
	}
	userID := currentUser(r)
	res, err := a.pipeline.Send(r.Context(), delivery.SendRequest{
		ConversationID:   chi.URLParam(r, "conversationID"),
		SenderID:         userID,
		Type:             data.MessageType(req.Type),
		Body:             req.Body,
		IsEncrypted:      req.IsEncrypted,
		ReplyToMessageID: req.ReplyToMessageID,
		ClientID:         req.ClientID,
	})
	if err != nil {
		a.respondWithError(w, err)
		return
	}
	code := http.StatusOK
	if !res.Duplicate {
		a.engine.Announce(r.Context(), res.Message)
		code = http.StatusCreated
	}
	a.respondWithJSON(w, code, map[string]any{
		"message":   res.Message.View(userID),
		"duplicate": res.Duplicate,
	})
}

// handleSetWallpaper (PUT /v1/conversations/{conversationID}/wallpaper)
func (a *app) handleSetWallpaper(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Wallpaper string `json:"wallpaper" validate:"max=2048"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.respondWithError(w, err)
		return
	}
	userID := currentUser(r)
	conv, err := a.pipeline.SetWallpaper(r.Context(), userID, chi.URLParam(r, "conversationID"), req.Wallpaper)
	if err != nil {
		a.respondWithError(w, err)
		return
	}
	a.engine.Bridge().Wallpaper(conv, userID)
	a.respondWithJSON(w, http.StatusOK, conv)
}

// === reactions ===

// handleToggleReaction (POST /v1/messages/{messageID}/reactions)
func (a *app) handleToggleReaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Emoji string `json:"emoji" validate:"required,max=32"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.respondWithError(w, err)
		return
	}
	u, err := a.pipeline.ToggleReaction(r.Context(), currentUser(r), chi.URLParam(r, "messageID"), req.Emoji)
	if err != nil {
		a.respondWithError(w, err)
		return
	}
	a.engine.Bridge().Reaction(u)
	a.respondWithJSON(w, http.StatusOK, map[string]any{"update": u})
}

// === blocks ===

// handleBlock (POST /v1/blocks)
func (a *app) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId" validate:"required,max=128"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.respondWithError(w, err)
		return
	}
	me, target := currentUser(r), normalize.ID(req.UserID)
	if target == me {
		a.respondWithError(w, apperr.Validation("cannot block yourself"))
		return
	}
	if _, err := a.store.GetUser(r.Context(), target); err != nil {
		if errors.Is(err, data.ErrNotFound) {
			a.respondWithError(w, apperr.NotFound("user not found"))
			return
		}
		a.respondWithError(w, apperr.Internal(err))
		return
	}
	if err := a.store.Block(r.Context(), me, target); err != nil {
		a.respondWithError(w, apperr.Internal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUnblock (DELETE /v1/blocks/{userID})
func (a *app) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Unblock(r.Context(), currentUser(r), normalize.ID(chi.URLParam(r, "userID"))); err != nil {
		a.respondWithError(w, apperr.Internal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// === settings ===

// handleUpdateSettings (PATCH /v1/me/settings)
func (a *app) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShowOnlineStatus *bool `json:"showOnlineStatus" validate:"required"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.respondWithError(w, err)
		return
	}
	u, err := a.engine.SetShowOnlineStatus(r.Context(), currentUser(r), *req.ShowOnlineStatus)
	if err != nil {
		a.respondWithError(w, err)
		return
	}
	a.respondWithJSON(w, http.StatusOK, u)
}

func queryInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, apperr.Validation(name + " must be a non-negative integer")
	}
	return n, nil
}
