// Package handlers exposes the action service over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"arbiter/internal/actions"
	"arbiter/internal/database"
	"arbiter/internal/middleware"
	"arbiter/internal/models"
	"arbiter/internal/moderation"
)

// FlaggedCounter is the slice of flagcount.Service the handlers need.
type FlaggedCounter interface {
	Get(ctx context.Context) (int64, error)
	Subscribe(ctx context.Context) <-chan int64
}

// Handler contains all HTTP handler methods and their dependencies.
type Handler struct {
	actions  *actions.Service
	store    database.Store
	flagged  FlaggedCounter
	roles    *moderation.Roles
	upgrader websocket.Upgrader

	// liveWriteTimeout bounds each websocket write.
	liveWriteTimeout time.Duration
}

// NewHandler creates a new Handler. flagged may be nil, in which case the
// flagged-count endpoints answer 503.
func NewHandler(svc *actions.Service, store database.Store, flagged FlaggedCounter) *Handler {
	return &Handler{
		actions: svc,
		store:   store,
		flagged: flagged,
		roles:   svc.Roles(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		liveWriteTimeout: 10 * time.Second,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// requireUser resolves the caller from the X-User-ID header. It writes a
// 401 and returns false when the header is missing or malformed.
func requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get(middleware.UserIDHeader)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid user id")
		return 0, false
	}
	return id, true
}

// requirePermission loads the caller and rejects anyone whose role lacks
// perm.
func (h *Handler) requirePermission(w http.ResponseWriter, r *http.Request, perm moderation.Permission) (*models.User, bool) {
	userID, ok := requireUser(w, r)
	if !ok {
		return nil, false
	}
	u, err := h.store.GetUser(r.Context(), userID)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "Unknown user")
		return nil, false
	}
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("handlers: load user failed")
		writeError(w, http.StatusInternalServerError, "Internal error")
		return nil, false
	}
	if !h.roles.HasPermission(u, perm) {
		log.Warn().Int64("user_id", userID).Str("path", r.URL.Path).Str("permission", string(perm)).Msg("Denied: insufficient permissions")
		writeError(w, http.StatusForbidden, "Permission denied")
		return nil, false
	}
	return u, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid post id")
		return 0, false
	}
	return id, true
}

// writeJSON encodes and writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v any, entityName string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode " + entityName + " response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg}, "error")
}

// writeActionError maps action service errors onto HTTP statuses.
func writeActionError(w http.ResponseWriter, r *http.Request, err error) {
	var exceeded interface{ RetryAfter() time.Duration }

	switch {
	case errors.Is(err, actions.ErrRateLimitExceeded):
		if errors.As(err, &exceeded) {
			secs := int(exceeded.RetryAfter().Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		}
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, actions.ErrAlreadyActed):
		writeError(w, http.StatusConflict, "Already acted")
	case errors.Is(err, actions.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, actions.ErrUnknownActionType), errors.Is(err, actions.ErrMessageRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, actions.ErrForbidden):
		writeError(w, http.StatusForbidden, "Permission denied")
	case errors.Is(err, actions.ErrMessageCreationFailed):
		log.Error().Err(err).Str("path", r.URL.Path).Msg("handlers: message creation failed")
		writeError(w, http.StatusBadGateway, "Failed to create message")
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("handlers: action failed")
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}
