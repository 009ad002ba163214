package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
	"github.com/PaulBabatuyi/realtime-messenger/internal/auth"
	"github.com/PaulBabatuyi/realtime-messenger/internal/middleware"
	"github.com/PaulBabatuyi/realtime-messenger/internal/wire"
)

const maxRequestBody = 1 << 20

// router builds the HTTP surface: admin endpoints, the WebSocket transport
// and the authenticated REST API.
func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(a.requestLogger)
	r.Use(chimw.Recoverer)

	origins := a.cfg.WebSocket.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	r.Handle("/metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{}))
	r.Get("/ws", a.handleWebSocket)

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.authMiddleware)
		r.Use(middleware.RateLimitHTTP(a.restLimiter, func(r *http.Request) string {
			id, _ := userIDFromContext(r.Context())
			return "rest:" + id
		}))

		r.Put("/keys", a.handlePublishKey)
		r.Get("/users/{userID}/key", a.handleGetKey)

		r.Post("/conversations", a.handleOpenConversation)
		r.Get("/conversations", a.handleListConversations)
		r.Get("/conversations/{conversationID}/messages", a.handleHistory)
		r.Post("/conversations/{conversationID}/messages", a.handleSendMessage)
		r.Put("/conversations/{conversationID}/wallpaper", a.handleSetWallpaper)

		r.Post("/messages/{messageID}/reactions", a.handleToggleReaction)

		r.Post("/blocks", a.handleBlock)
		r.Delete("/blocks/{userID}", a.handleUnblock)

		r.Patch("/me/settings", a.handleUpdateSettings)
	})
	return r
}

func (a *app) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

// authMiddleware validates the bearer token and stores the user id in the
// request context.
func (a *app) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.authn.Authenticate(r.Context(), auth.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			a.respondWithError(w, apperr.Unauthorized())
			return
		}
		next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), userID)))
	})
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *app) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		a.log.Warn("readiness check failed", zap.Error(err))
		a.respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	a.respondWithJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// === response helpers ===

type errorBody struct {
	Error struct {
		Code    apperr.Code `json:"code"`
		Message string      `json:"message"`
	} `json:"error"`
}

func (a *app) respondWithError(w http.ResponseWriter, err error) {
	ae := apperr.From(err)
	if ae.Code == apperr.CodeInternal {
		a.log.Error("request failed", zap.Error(err))
	}
	var body errorBody
	body.Error.Code = ae.Code
	body.Error.Message = ae.Message
	a.respondWithJSON(w, ae.HTTPStatus(), body)
}

func (a *app) respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		a.log.Error("encode response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"INTERNAL","message":"internal error"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

// decodeBody reads a JSON body into v and validates its struct tags.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required")
		}
		return apperr.Wrap(apperr.CodeValidation, "malformed JSON body", err)
	}
	if err := wire.Validator().Struct(v); err != nil {
		return apperr.Wrap(apperr.CodeValidation, wire.ValidationMessage(err), err)
	}
	return nil
}

func currentUser(r *http.Request) string {
	id, _ := userIDFromContext(r.Context())
	return id
}
