package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedline/feedsync/internal/db"
	"github.com/feedline/feedsync/internal/feed"
	"github.com/feedline/feedsync/internal/models"
	"github.com/feedline/feedsync/internal/realtime"
	"github.com/feedline/feedsync/internal/session"
	"github.com/feedline/feedsync/pkg/config"
)

var _ feed.Store = (*db.Store)(nil)

func testToken(t *testing.T, subject string) string {
	t.Helper()
	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
		"user_metadata": map[string]interface{}{
			"username": subject,
		},
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return signed
}

type testServer struct {
	client *Client
	store  *db.Store
	engine *feed.Engine
	url    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(&config.DatabaseConfig{URL: ":memory:", AutoMigrate: true}, "error")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	hub := realtime.NewHub()
	store := db.NewStore(database, db.WithPublisher(hub))

	sess := session.New()
	require.NoError(t, sess.SignIn(testToken(t, "alice")))
	engine := feed.New(store, hub, sess)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	router := NewRouter(engine,
		WithHealthCheck("database", database.Health),
		WithRealtimeHandler(realtime.NewWebsocketHandler(hub)),
	)
	g := gin.New()
	router.SetupRoutes(g)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	return &testServer{client: NewClient(srv.URL), store: store, engine: engine, url: srv.URL}
}

func rpcCode(t *testing.T, err error) int {
	t.Helper()
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr), "expected an API error, got %v", err)
	return apiErr.Code
}

func TestFeedMethods(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)

	seed := &models.Post{UserID: "bob", Content: "hello"}
	require.NoError(t, s.store.CreatePost(ctx, seed))
	_, err := s.engine.MountFeed(ctx)
	require.NoError(t, err)

	var posts []models.Post
	require.NoError(t, s.client.Call(ctx, "feed.list_posts", nil, &posts))
	require.Len(t, posts, 1)
	assert.Equal(t, seed.ID, posts[0].ID)

	var liked models.Post
	require.NoError(t, s.client.Call(ctx, "feed.toggle_like", PostIDParams{PostID: seed.ID}, &liked))
	assert.True(t, liked.LikedByMe)
	assert.Equal(t, int64(1), liked.LikesCount)

	err = s.client.Call(ctx, "feed.create_post", CreatePostParams{Content: "   "}, nil)
	assert.Equal(t, CodeValidation, rpcCode(t, err))

	var created models.Post
	require.NoError(t, s.client.Call(ctx, "feed.create_post", CreatePostParams{Content: "mine"}, &created))
	assert.Equal(t, "mine", created.Content)
	assert.Equal(t, "alice", created.Author.Handle)

	require.NoError(t, s.client.Call(ctx, "feed.list_posts", nil, &posts))
	assert.Len(t, posts, 2)

	err = s.client.Call(ctx, "feed.edit_post", EditPostParams{PostID: seed.ID, Content: "hijack"}, nil)
	assert.Equal(t, CodeNotOwner, rpcCode(t, err))

	err = s.client.Call(ctx, "feed.toggle_like", PostIDParams{PostID: "missing"}, nil)
	assert.Equal(t, CodeNotFound, rpcCode(t, err))

	var edited models.Post
	require.NoError(t, s.client.Call(ctx, "feed.edit_post", EditPostParams{PostID: created.ID, Content: "mine, edited"}, &edited))
	assert.Equal(t, "mine, edited", edited.Content)

	require.NoError(t, s.client.Call(ctx, "feed.delete_post", PostIDParams{PostID: created.ID}, nil))
	require.NoError(t, s.client.Call(ctx, "feed.refresh", nil, &posts))
	require.Len(t, posts, 1)
	assert.Equal(t, seed.ID, posts[0].ID)
}

func TestCommentMethods(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)

	seed := &models.Post{UserID: "bob", Content: "hello"}
	require.NoError(t, s.store.CreatePost(ctx, seed))
	_, err := s.engine.MountFeed(ctx)
	require.NoError(t, err)

	var opened CommentsResult
	require.NoError(t, s.client.Call(ctx, "feed.open_comments", PostIDParams{PostID: seed.ID}, &opened))
	assert.Equal(t, seed.ID, opened.PostID)
	assert.Empty(t, opened.Comments)

	var comment models.Comment
	require.NoError(t, s.client.Call(ctx, "feed.create_comment", CreateCommentParams{PostID: seed.ID, Content: "nice"}, &comment))
	assert.Equal(t, "nice", comment.Content)

	var listed CommentsResult
	require.NoError(t, s.client.Call(ctx, "feed.get_comments", PostIDParams{PostID: seed.ID}, &listed))
	require.Len(t, listed.Comments, 1)
	assert.Equal(t, comment.ID, listed.Comments[0].ID)

	p, ok := s.engine.Cache().Post(seed.ID)
	require.True(t, ok)
	assert.Equal(t, int64(1), p.CommentsCount)

	require.NoError(t, s.client.Call(ctx, "feed.close_comments", nil, nil))
	assert.Eventually(t, func() bool {
		return len(s.engine.Cache().GetComments(seed.ID)) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRequestErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)

	err := s.client.Call(ctx, "feed.nope", nil, nil)
	assert.Equal(t, ErrMethodNotFound, rpcCode(t, err))

	err = s.client.Call(ctx, "feed.toggle_like", PostIDParams{}, nil)
	assert.Equal(t, ErrInvalidParams, rpcCode(t, err))

	err = s.client.Call(ctx, "feed.toggle_like", []string{"positional"}, nil)
	assert.Equal(t, ErrInvalidParams, rpcCode(t, err))

	resp, err := http.Post(s.url+"/", "application/json", strings.NewReader(`{"jsonrpc":"1.0","id":1,"method":"feed.list_posts"}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "-32600")

	require.NoError(t, s.client.Call(ctx, "session.sign_out", nil, nil))
	err = s.client.Call(ctx, "feed.toggle_like", PostIDParams{PostID: "p1"}, nil)
	assert.Equal(t, CodeSession, rpcCode(t, err))

	var state map[string]string
	require.NoError(t, s.client.Call(ctx, "session.get", nil, &state))
	assert.Equal(t, "signed_out", state["state"])

	var posts []models.Post
	require.NoError(t, s.client.Call(ctx, "session.sign_in", SignInParams{Token: testToken(t, "bob")}, &posts))
	require.NoError(t, s.client.Call(ctx, "session.get", nil, &state))
	assert.Equal(t, "bob", state["actor_id"])
}

func TestUpdateProfileMethod(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)

	_, err := s.engine.MountFeed(ctx)
	require.NoError(t, err)
	var created models.Post
	require.NoError(t, s.client.Call(ctx, "feed.create_post", CreatePostParams{Content: "mine"}, &created))

	err = s.client.Call(ctx, "session.update_profile", UpdateProfileParams{}, nil)
	assert.Equal(t, CodeValidation, rpcCode(t, err))

	// Avatars need an uploader, which this server has none of
	err = s.client.Call(ctx, "session.update_profile", UpdateProfileParams{Avatar: &ImageParams{Name: "a.png", Data: []byte("png")}}, nil)
	assert.Equal(t, CodeValidation, rpcCode(t, err))

	fullName := "Alice Liddell"
	var profile models.Profile
	require.NoError(t, s.client.Call(ctx, "session.update_profile", UpdateProfileParams{FullName: &fullName}, &profile))
	require.NotNil(t, profile.FullName)
	assert.Equal(t, fullName, *profile.FullName)
	assert.Equal(t, "alice", profile.Username)

	var posts []models.Post
	require.NoError(t, s.client.Call(ctx, "feed.list_posts", nil, &posts))
	require.Len(t, posts, 1)
	assert.Equal(t, fullName, posts[0].Author.DisplayName)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.url + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"database":"OK"`)
	assert.Contains(t, string(body), `"session":"signed_in"`)

	resp, err = http.Get(s.url + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "feedsync_subscriptions_open")
}
