// Package handler is the HTTP surface over the resolution engine. Owner
// identity is injected by an external collaborator via the X-User-ID header;
// this layer never authenticates, it only carries the identity value through.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"shortlinker/internal/model"
	"shortlinker/internal/service"
)

type Handler struct {
	Service     *service.Service
	Logger      *slog.Logger
	FallbackURL string
	RateLimiter *RateLimiter
}

func NewHandler(svc *service.Service, logger *slog.Logger, fallbackURL string) *Handler {
	return &Handler{
		Service:     svc,
		Logger:      logger,
		FallbackURL: fallbackURL,
		RateLimiter: NewRateLimiter(),
	}
}

type shortenRequest struct {
	URL         string `json:"url"`
	CustomAlias string `json:"custom_alias,omitempty"`
}

type updateRequest struct {
	NewURL string `json:"new_url"`
}

func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/links/shorten", h.rateLimited(h.CreateShort)).Methods("POST")
	r.HandleFunc("/links/search", h.Search).Methods("GET")
	r.HandleFunc("/links/stats/active", h.ActiveStats).Methods("GET")
	r.HandleFunc("/links/stats/archive", h.ArchivedStats).Methods("GET")
	r.HandleFunc("/links/{code}/stats", h.LinkStats).Methods("GET")
	r.HandleFunc("/links/{code}", h.rateLimited(h.Redirect)).Methods("GET")
	r.HandleFunc("/links/{code}", h.Delete).Methods("DELETE")
	r.HandleFunc("/links/{code}", h.Update).Methods("PUT")
	r.HandleFunc("/healthz", h.Healthz).Methods("GET")

	r.Use(h.requestLogger)
	return r
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) CreateShort(w http.ResponseWriter, r *http.Request) {
	var req shortenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url missing")
		return
	}

	res, err := h.Service.Create(r.Context(), service.CreateRequest{
		OriginalURL: req.URL,
		CustomAlias: req.CustomAlias,
		Owner:       ownerID(r),
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Redirect(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	dest, err := h.Service.Resolve(r.Context(), code, service.VisitInfo{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
	})
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			// Broken codes degrade to the fallback target instead of erroring.
			http.Redirect(w, r, h.FallbackURL, http.StatusFound)
			return
		}
		h.Logger.Error("resolve failed", "code", code, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	original := r.URL.Query().Get("original_url")
	if original == "" {
		writeError(w, http.StatusBadRequest, "original_url missing")
		return
	}
	res, err := h.Service.Search(r.Context(), original)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) LinkStats(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	stats, err := h.Service.Stats(r.Context(), code)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == nil {
		writeError(w, http.StatusUnauthorized, "identity required")
		return
	}
	code := mux.Vars(r)["code"]
	if err := h.Service.Delete(r.Context(), code, *owner); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "link and visit history archived"})
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == nil {
		writeError(w, http.StatusUnauthorized, "identity required")
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	code := mux.Vars(r)["code"]
	link, err := h.Service.UpdateDestination(r.Context(), code, *owner, req.NewURL)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"short_code":      link.ShortCode,
		"new_url":         link.OriginalURL,
		"auto_expires_at": link.AutoExpiresAt,
	})
}

func (h *Handler) ActiveStats(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == nil {
		writeError(w, http.StatusUnauthorized, "identity required")
		return
	}
	groups, err := h.Service.ActiveVisitStats(r.Context(), *owner, r.URL.Query().Get("short_code"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (h *Handler) ArchivedStats(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == nil {
		writeError(w, http.StatusUnauthorized, "identity required")
		return
	}
	groups, err := h.Service.ArchivedVisitStats(r.Context(), *owner, r.URL.Query().Get("short_code"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidURL), errors.Is(err, service.ErrInvalidAlias):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrAliasTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		h.Logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ownerID extracts the externally injected owner identity, nil when absent
// or malformed.
func ownerID(r *http.Request) *model.UserID {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	owner := model.UserID(id)
	return &owner
}

// clientIP prefers the first forwarded address, then the connection peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.RateLimiter.Allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	}
}
