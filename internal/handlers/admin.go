package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"arbiter/internal/models"
	"arbiter/internal/moderation"
)

type resolveResponse struct {
	PostID   int64                `json:"post_id"`
	Op       string               `json:"op"`
	Resolved int                  `json:"resolved"`
	Actions  []*models.PostAction `json:"actions"`
}

// HandleResolveFlags agrees with, disagrees with or defers the flags on a
// post. The service enforces the staff check.
func (h *Handler) HandleResolveFlags(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	postID, ok := pathID(w, r)
	if !ok {
		return
	}

	deletePost := false
	if raw := r.URL.Query().Get("delete_post"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid delete_post")
			return
		}
		deletePost = v
	}

	var (
		resolved []*models.PostAction
		err      error
	)
	op := r.PathValue("op")
	switch op {
	case "agree":
		resolved, err = h.actions.AgreeFlags(r.Context(), postID, userID, deletePost)
	case "disagree":
		resolved, err = h.actions.ClearFlags(r.Context(), postID, userID)
	case "defer":
		resolved, err = h.actions.DeferFlags(r.Context(), postID, userID, deletePost)
	default:
		writeError(w, http.StatusNotFound, "Unknown operation")
		return
	}
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	if resolved == nil {
		resolved = []*models.PostAction{}
	}

	writeJSON(w, http.StatusOK, resolveResponse{
		PostID:   postID,
		Op:       op,
		Resolved: len(resolved),
		Actions:  resolved,
	}, "resolve")
}

type flaggedCountResponse struct {
	Count int64 `json:"count"`
}

// HandleFlaggedCount returns the number of posts awaiting flag review.
func (h *Handler) HandleFlaggedCount(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requirePermission(w, r, moderation.PermissionViewFlaggedCount); !ok {
		return
	}
	if h.flagged == nil {
		writeError(w, http.StatusServiceUnavailable, "Flagged count unavailable")
		return
	}
	n, err := h.flagged.Get(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("handlers: flagged count failed")
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, flaggedCountResponse{Count: n}, "flagged count")
}

// HandleFlaggedCountLive upgrades to a websocket and pushes the flagged
// count whenever it changes. The first message is the current value.
func (h *Handler) HandleFlaggedCountLive(w http.ResponseWriter, r *http.Request) {
	staff, ok := h.requirePermission(w, r, moderation.PermissionViewFlaggedCount)
	if !ok {
		return
	}
	if h.flagged == nil {
		writeError(w, http.StatusServiceUnavailable, "Flagged count unavailable")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		log.Warn().Err(err).Int64("user_id", staff.ID).Msg("handlers: websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	// Subscribe before reading the current value so no change is missed.
	updates := h.flagged.Subscribe(ctx)

	// The read loop only exists to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	current, err := h.flagged.Get(ctx)
	if err != nil {
		log.Error().Err(err).Msg("handlers: flagged count failed")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "flagged count unavailable"),
			time.Now().Add(h.liveWriteTimeout))
		return
	}
	if err := h.writeLive(conn, current); err != nil {
		return
	}

	log.Debug().Int64("user_id", staff.ID).Msg("handlers: flagged count stream opened")
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-updates:
			if !ok {
				return
			}
			if err := h.writeLive(conn, n); err != nil {
				log.Debug().Err(err).Int64("user_id", staff.ID).Msg("handlers: flagged count stream closed")
				return
			}
		}
	}
}

func (h *Handler) writeLive(conn *websocket.Conn, n int64) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.liveWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(flaggedCountResponse{Count: n})
}
