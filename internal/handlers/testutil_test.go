package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"arbiter/internal/actions"
	"arbiter/internal/automod"
	"arbiter/internal/config"
	"arbiter/internal/counters"
	"arbiter/internal/database/gormstore"
	"arbiter/internal/flagcount"
	"arbiter/internal/jobs"
	"arbiter/internal/middleware"
	"arbiter/internal/models"
	"arbiter/internal/moderation"
	"arbiter/internal/notify"
	"arbiter/internal/ratelimit"
)

// Test users
const (
	testAlice  int64 = 1
	testBob    int64 = 2
	testMod    int64 = 10
	testAuthor int64 = 100
)

type nopScheduler struct{}

func (nopScheduler) Enqueue(context.Context, jobs.Job) (string, error) { return "", nil }

// TestContext contains test dependencies
type TestContext struct {
	Handler *Handler
	Store   *gormstore.Store
	Flagged *flagcount.Service
	Events  *notify.Recorder
	Topic   *models.Topic
	Post    *models.Post
}

// setupTestContext builds a handler over a real sqlite store. tweak may
// adjust site settings before the service is built.
func setupTestContext(t *testing.T, tweak func(*config.SiteSettings)) *TestContext {
	t.Helper()
	ctx := context.Background()

	store, err := gormstore.Open(gormstore.Options{URL: "sqlite://" + filepath.Join(t.TempDir(), "handlers.db")})
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	site := config.Default().Site
	site.ActionsPerMinute = 1000
	if tweak != nil {
		tweak(&site)
	}

	users := []*models.User{
		{ID: models.SystemUserID, Username: "system", TrustLevel: 4, Admin: true},
		{ID: testAlice, Username: "alice", TrustLevel: 1},
		{ID: testBob, Username: "bob", TrustLevel: 1},
		{ID: testMod, Username: "mod", TrustLevel: 2, Moderator: true},
		{ID: testAuthor, Username: "author", TrustLevel: 1},
	}
	for _, u := range users {
		require.NoError(t, store.CreateUser(ctx, u))
	}
	topic := &models.Topic{Title: "discussion", UserID: testAuthor, Visible: true}
	require.NoError(t, store.CreateTopic(ctx, topic))
	post := &models.Post{TopicID: topic.ID, UserID: testAuthor, Raw: "hello"}
	require.NoError(t, store.CreatePost(ctx, post))

	limiter, err := ratelimit.NewLocalLimiter(1000)
	require.NoError(t, err)
	events := &notify.Recorder{}
	audit := moderation.NewRecorder(store)
	flagged := flagcount.New(store, flagcount.Options{
		MinFlags: site.MinFlagsStaffVisibility,
		TTL:      site.FlaggedCountTTL,
	})

	pipeline := actions.NewPipeline(2)
	pipeline.InitialInterval = time.Millisecond

	svc := actions.NewService(actions.Deps{
		Store:    store,
		Limits:   ratelimit.NewPolicy(limiter, site),
		Counters: counters.NewEngine(store, flagged, site.StaffLikeWeight),
		Automod:  automod.NewPolicy(store, nopScheduler{}, audit, site),
		Flagged:  flagged,
		Notifier: events,
		Audit:    audit,
		Pipeline: pipeline,
		Site:     site,
	})

	return &TestContext{
		Handler: NewHandler(svc, store, flagged),
		Store:   store,
		Flagged: flagged,
		Events:  events,
		Topic:   topic,
		Post:    post,
	}
}

// NewAuthenticatedRequest creates a request carrying the X-User-ID header.
// body is JSON encoded unless nil.
func NewAuthenticatedRequest(t *testing.T, method, path string, userID int64, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.UserIDHeader, strconv.FormatInt(userID, 10))
	return req
}

// NewUnauthenticatedRequest creates a request without a user header
func NewUnauthenticatedRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// AssertResponseCode checks if the response has the expected status code
func AssertResponseCode(t interface {
	Errorf(format string, args ...interface{})
}, rec *httptest.ResponseRecorder, expected int) {
	if rec.Code != expected {
		t.Errorf("Expected status code %d, got %d. Body: %s", expected, rec.Code, rec.Body.String())
	}
}

// serve routes req through a mux holding only pattern, so path values are
// populated the same way the router does it.
func serve(pattern string, hf http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, hf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}
