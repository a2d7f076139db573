package handlers

import (
	"encoding/json"
	"net/http"

	"arbiter/internal/actions"
	"arbiter/internal/models"
	"arbiter/internal/moderation"
)

type actRequest struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	TakeAction   bool   `json:"take_action"`
	TargetsTopic bool   `json:"targets_topic"`
}

// HandleAct records an action by the caller on a post.
func (h *Handler) HandleAct(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	postID, ok := pathID(w, r)
	if !ok {
		return
	}

	var req actRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	a, err := h.actions.Act(r.Context(), userID, postID, models.ActionType(req.Type), actions.ActOptions{
		Message:      req.Message,
		TakeAction:   req.TakeAction,
		TargetsTopic: req.TargetsTopic,
	})
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a, "action")
}

// HandleRemoveAct retracts the caller's action of the given type.
func (h *Handler) HandleRemoveAct(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	postID, ok := pathID(w, r)
	if !ok {
		return
	}

	err := h.actions.RemoveAct(r.Context(), userID, postID, models.ActionType(r.PathValue("type")))
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type flagCountsResponse struct {
	PostID   int64          `json:"post_id"`
	OldFlags int            `json:"old_flags"`
	NewFlags int            `json:"new_flags"`
	Pending  map[string]int `json:"pending"`
}

// HandleFlagCounts reports the weighted flag inputs and the pending flags
// per type for a post. Requires review_flags.
func (h *Handler) HandleFlagCounts(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requirePermission(w, r, moderation.PermissionReviewFlags); !ok {
		return
	}
	postID, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	oldFlags, newFlags, err := h.actions.FlagCountsFor(ctx, postID)
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	active, err := h.actions.ActiveFlagCountsFor(ctx, []int64{postID})
	if err != nil {
		writeActionError(w, r, err)
		return
	}

	pending := make(map[string]int)
	for t, list := range active[postID] {
		pending[t] = len(list)
	}
	writeJSON(w, http.StatusOK, flagCountsResponse{
		PostID:   postID,
		OldFlags: oldFlags,
		NewFlags: newFlags,
		Pending:  pending,
	}, "flag counts")
}
