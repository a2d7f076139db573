package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/actions"
	"arbiter/internal/config"
	"arbiter/internal/middleware"
	"arbiter/internal/models"
	"arbiter/internal/moderation"
)

const (
	actPattern      = "POST /api/posts/{id}/actions"
	removePattern   = "DELETE /api/posts/{id}/actions/{type}"
	resolvePattern  = "POST /api/admin/posts/{id}/flags/{op}"
	countsPattern   = "GET /api/posts/{id}/flag-counts"
	flaggedPattern  = "GET /api/admin/flagged-count"
	livePattern     = "GET /api/admin/flagged-count/live"
	flaggedEndpoint = "/api/admin/flagged-count"
)

func postPath(id int64, suffix string) string {
	return "/api/posts/" + strconv.FormatInt(id, 10) + suffix
}

func (tc *TestContext) act(t *testing.T, userID int64, postID int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := NewAuthenticatedRequest(t, http.MethodPost, postPath(postID, "/actions"), userID, body)
	return serve(actPattern, tc.Handler.HandleAct, req)
}

func TestHandleAct(t *testing.T) {
	tc := setupTestContext(t, nil)

	t.Run("records a like", func(t *testing.T) {
		rec := tc.act(t, testAlice, tc.Post.ID, actRequest{Type: "like"})
		AssertResponseCode(t, rec, http.StatusOK)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var a models.PostAction
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
		assert.NotZero(t, a.ID)
		assert.Equal(t, models.ActionLike, a.ActionType)
		assert.Equal(t, testAlice, a.UserID)

		post, err := tc.Store.GetPost(context.Background(), tc.Post.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, post.LikeCount)
	})

	t.Run("duplicate is a conflict", func(t *testing.T) {
		rec := tc.act(t, testAlice, tc.Post.ID, actRequest{Type: "like"})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "Already acted")
	})

	t.Run("missing user header", func(t *testing.T) {
		req := NewUnauthenticatedRequest(http.MethodPost, postPath(tc.Post.ID, "/actions"))
		rec := serve(actPattern, tc.Handler.HandleAct, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "Authentication required")
	})

	t.Run("malformed user header", func(t *testing.T) {
		req := NewAuthenticatedRequest(t, http.MethodPost, postPath(tc.Post.ID, "/actions"), testAlice, actRequest{Type: "like"})
		req.Header.Set(middleware.UserIDHeader, "alice")
		rec := serve(actPattern, tc.Handler.HandleAct, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bad requests", func(t *testing.T) {
		tests := []struct {
			name string
			path string
			body any
		}{
			{"non numeric post id", "/api/posts/abc/actions", actRequest{Type: "like"}},
			{"missing type", postPath(tc.Post.ID, "/actions"), actRequest{}},
			{"unknown type", postPath(tc.Post.ID, "/actions"), actRequest{Type: "applause"}},
			{"notify without message", postPath(tc.Post.ID, "/actions"), actRequest{Type: "notify_user"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				req := NewAuthenticatedRequest(t, http.MethodPost, tt.path, testBob, tt.body)
				rec := serve(actPattern, tc.Handler.HandleAct, req)
				assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			})
		}
	})

	t.Run("invalid json body", func(t *testing.T) {
		req := NewAuthenticatedRequest(t, http.MethodPost, postPath(tc.Post.ID, "/actions"), testBob, nil)
		rec := serve(actPattern, tc.Handler.HandleAct, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown post", func(t *testing.T) {
		rec := tc.act(t, testBob, 9999, actRequest{Type: "like"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("notify user with message", func(t *testing.T) {
		rec := tc.act(t, testBob, tc.Post.ID, actRequest{Type: "notify_user", Message: "please fix the link"})
		AssertResponseCode(t, rec, http.StatusOK)

		var a models.PostAction
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
		require.NotNil(t, a.RelatedPostID)
	})
}

func TestHandleAct_RateLimited(t *testing.T) {
	tc := setupTestContext(t, func(s *config.SiteSettings) { s.MaxLikesPerDay = 1 })

	second := &models.Post{TopicID: tc.Topic.ID, UserID: testAuthor, Raw: "second"}
	require.NoError(t, tc.Store.CreatePost(context.Background(), second))

	AssertResponseCode(t, tc.act(t, testAlice, tc.Post.ID, actRequest{Type: "like"}), http.StatusOK)

	rec := tc.act(t, testAlice, second.ID, actRequest{Type: "like"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, strconv.Itoa(int((24 * time.Hour).Seconds())), rec.Header().Get("Retry-After"))
}

func TestHandleRemoveAct(t *testing.T) {
	tc := setupTestContext(t, nil)
	AssertResponseCode(t, tc.act(t, testAlice, tc.Post.ID, actRequest{Type: "like"}), http.StatusOK)

	t.Run("retracts the like", func(t *testing.T) {
		req := NewAuthenticatedRequest(t, http.MethodDelete, postPath(tc.Post.ID, "/actions/like"), testAlice, nil)
		rec := serve(removePattern, tc.Handler.HandleRemoveAct, req)
		AssertResponseCode(t, rec, http.StatusNoContent)

		post, err := tc.Store.GetPost(context.Background(), tc.Post.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, post.LikeCount)
	})

	t.Run("nothing to retract", func(t *testing.T) {
		req := NewAuthenticatedRequest(t, http.MethodDelete, postPath(tc.Post.ID, "/actions/like"), testBob, nil)
		rec := serve(removePattern, tc.Handler.HandleRemoveAct, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("unknown type", func(t *testing.T) {
		req := NewAuthenticatedRequest(t, http.MethodDelete, postPath(tc.Post.ID, "/actions/applause"), testAlice, nil)
		rec := serve(removePattern, tc.Handler.HandleRemoveAct, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleResolveFlags(t *testing.T) {
	resolve := func(t *testing.T, tc *TestContext, userID int64, op, query string) *httptest.ResponseRecorder {
		t.Helper()
		path := "/api/admin/posts/" + strconv.FormatInt(tc.Post.ID, 10) + "/flags/" + op + query
		req := NewAuthenticatedRequest(t, http.MethodPost, path, userID, nil)
		return serve(resolvePattern, tc.Handler.HandleResolveFlags, req)
	}

	t.Run("non staff is forbidden", func(t *testing.T) {
		tc := setupTestContext(t, nil)
		AssertResponseCode(t, tc.act(t, testAlice, tc.Post.ID, actRequest{Type: "spam"}), http.StatusOK)

		rec := resolve(t, tc, testBob, "agree", "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("disagree frees the slot", func(t *testing.T) {
		tc := setupTestContext(t, nil)
		AssertResponseCode(t, tc.act(t, testAlice, tc.Post.ID, actRequest{Type: "spam"}), http.StatusOK)

		rec := resolve(t, tc, testMod, "disagree", "")
		AssertResponseCode(t, rec, http.StatusOK)

		var resp resolveResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "disagree", resp.Op)
		assert.Equal(t, 1, resp.Resolved)
		require.Len(t, resp.Actions, 1)
		assert.NotNil(t, resp.Actions[0].DisagreedAt)

		AssertResponseCode(t, tc.act(t, testAlice, tc.Post.ID, actRequest{Type: "off_topic"}), http.StatusOK)
	})

	t.Run("agree and delete", func(t *testing.T) {
		tc := setupTestContext(t, nil)
		AssertResponseCode(t, tc.act(t, testAlice, tc.Post.ID, actRequest{Type: "inappropriate"}), http.StatusOK)

		rec := resolve(t, tc, testMod, "agree", "?delete_post=true")
		AssertResponseCode(t, rec, http.StatusOK)

		post, err := tc.Store.GetPost(context.Background(), tc.Post.ID)
		require.NoError(t, err)
		assert.NotNil(t, post.DeletedAt)
	})

	t.Run("defer with nothing pending", func(t *testing.T) {
		tc := setupTestContext(t, nil)
		rec := resolve(t, tc, testMod, "defer", "")
		AssertResponseCode(t, rec, http.StatusOK)
		assert.Contains(t, rec.Body.String(), `"actions":[]`)
	})

	t.Run("unknown op", func(t *testing.T) {
		tc := setupTestContext(t, nil)
		assert.Equal(t, http.StatusNotFound, resolve(t, tc, testMod, "escalate", "").Code)
	})

	t.Run("invalid delete_post", func(t *testing.T) {
		tc := setupTestContext(t, nil)
		assert.Equal(t, http.StatusBadRequest, resolve(t, tc, testMod, "agree", "?delete_post=maybe").Code)
	})
}

func TestHandleFlagCounts(t *testing.T) {
	tc := setupTestContext(t, nil)
	AssertResponseCode(t, tc.act(t, testAlice, tc.Post.ID, actRequest{Type: "off_topic"}), http.StatusOK)
	AssertResponseCode(t, tc.act(t, testBob, tc.Post.ID, actRequest{Type: "spam"}), http.StatusOK)

	t.Run("staff only", func(t *testing.T) {
		req := NewAuthenticatedRequest(t, http.MethodGet, postPath(tc.Post.ID, "/flag-counts"), testAlice, nil)
		rec := serve(countsPattern, tc.Handler.HandleFlagCounts, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "Permission denied")
	})

	t.Run("unknown caller", func(t *testing.T) {
		req := NewAuthenticatedRequest(t, http.MethodGet, postPath(tc.Post.ID, "/flag-counts"), 4242, nil)
		rec := serve(countsPattern, tc.Handler.HandleFlagCounts, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("reports pending flags", func(t *testing.T) {
		req := NewAuthenticatedRequest(t, http.MethodGet, postPath(tc.Post.ID, "/flag-counts"), testMod, nil)
		rec := serve(countsPattern, tc.Handler.HandleFlagCounts, req)
		AssertResponseCode(t, rec, http.StatusOK)

		var resp flagCountsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, tc.Post.ID, resp.PostID)
		assert.Equal(t, 0, resp.OldFlags)
		assert.Equal(t, 2, resp.NewFlags)
		assert.Equal(t, map[string]int{"off_topic": 1, "spam": 1}, resp.Pending)
	})
}

func TestHandleFlaggedCount(t *testing.T) {
	tc := setupTestContext(t, nil)

	get := func(t *testing.T, userID int64) *httptest.ResponseRecorder {
		t.Helper()
		req := NewAuthenticatedRequest(t, http.MethodGet, flaggedEndpoint, userID, nil)
		return serve(flaggedPattern, tc.Handler.HandleFlaggedCount, req)
	}

	t.Run("staff only", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, get(t, testAlice).Code)
	})

	t.Run("zero before any flag", func(t *testing.T) {
		rec := get(t, testMod)
		AssertResponseCode(t, rec, http.StatusOK)
		assert.JSONEq(t, `{"count":0}`, rec.Body.String())
	})

	t.Run("refreshed by a flag", func(t *testing.T) {
		AssertResponseCode(t, tc.act(t, testAlice, tc.Post.ID, actRequest{Type: "spam"}), http.StatusOK)
		rec := get(t, testMod)
		AssertResponseCode(t, rec, http.StatusOK)
		assert.JSONEq(t, `{"count":1}`, rec.Body.String())
	})

	t.Run("needs view_flagged_count", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "roles.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"roles": {"moderator": {"permissions": ["review_flags"]}}}`), 0o644))
		roles, err := moderation.NewRoles(path)
		require.NoError(t, err)

		h := NewHandler(tc.Handler.actions, tc.Store, tc.Flagged)
		h.roles = roles
		req := NewAuthenticatedRequest(t, http.MethodGet, flaggedEndpoint, testMod, nil)
		rec := serve(flaggedPattern, h.HandleFlaggedCount, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unavailable without a counter", func(t *testing.T) {
		h := NewHandler(tc.Handler.actions, tc.Store, nil)
		req := NewAuthenticatedRequest(t, http.MethodGet, flaggedEndpoint, testMod, nil)
		rec := serve(flaggedPattern, h.HandleFlaggedCount, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHandleFlaggedCountLive(t *testing.T) {
	tc := setupTestContext(t, nil)

	mux := http.NewServeMux()
	mux.HandleFunc(livePattern, tc.Handler.HandleFlaggedCountLive)
	srv := httptest.NewServer(middleware.LoggingMiddleware(zerolog.Nop())(mux))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + flaggedEndpoint + "/live"
	header := func(userID int64) http.Header {
		h := http.Header{}
		h.Set(middleware.UserIDHeader, strconv.FormatInt(userID, 10))
		return h
	}

	t.Run("rejects non staff", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, header(testAlice))
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("streams updates", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header(testMod))
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

		var msg flaggedCountResponse
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, int64(0), msg.Count)

		_, err = tc.Handler.actions.Act(context.Background(), testAlice, tc.Post.ID, models.ActionSpam, actions.ActOptions{})
		require.NoError(t, err)

		// Several refreshes may be published for one flag; wait for the new value.
		for msg.Count != 1 {
			require.NoError(t, conn.ReadJSON(&msg))
		}
		assert.Equal(t, int64(1), msg.Count)
	})
}
