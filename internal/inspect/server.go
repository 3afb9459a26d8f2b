// Package inspect serves a read-only JSON view of the service state for
// debugging a running daemon. It exposes nothing that mutates the cycle.
package inspect

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/quizmail/internal/model"
	"github.com/pavelanni/quizmail/internal/store"
)

// Handler holds shared dependencies for the inspection endpoints.
type Handler struct {
	store        *store.Store
	authUser     string
	authPassHash string
}

// New creates a new Handler. user and passwordHash are optional: when
// both are set, every endpoint requires HTTP basic auth checked against
// the bcrypt hash.
func New(s *store.Store, user, passwordHash string) *Handler {
	return &Handler{store: s, authUser: user, authPassHash: passwordHash}
}

// Routes registers all inspection routes.
func (h *Handler) Routes(r chi.Router) {
	if h.authUser != "" && h.authPassHash != "" {
		r.Use(h.basicAuth)
	}
	r.Get("/state", h.handleState)
	r.Get("/scores", h.handleScores)
	r.Get("/progress", h.handleProgress)
	r.Get("/healthz", h.handleHealth)
}

func (h *Handler) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.authUser)) == 1
		passOK := bcrypt.CompareHashAndPassword([]byte(h.authPassHash), []byte(pass)) == nil
		if !ok || !userOK || !passOK {
			slog.Warn("inspection auth failed", "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Basic realm="quizmail"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := h.store.LoadSessionState()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, state)
}

func (h *Handler) handleScores(w http.ResponseWriter, r *http.Request) {
	scores, err := h.store.ListScores()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, scores)
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListProgress()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.ProgressRecord{}
	}
	writeJSON(w, records)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.QuestionCount(); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
