package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/feedline/feedsync/internal/models"
	"github.com/feedline/feedsync/internal/realtime"
	"github.com/feedline/feedsync/internal/session"
	"github.com/feedline/feedsync/internal/storage"
)

// fakeStore is an in-memory Store. hook runs at the start of every call and
// may block or fail it.
type fakeStore struct {
	mu       sync.Mutex
	posts    map[string]models.Post
	likes    map[string]map[string]bool
	comments map[string][]models.Comment
	profiles map[string]models.Profile
	calls    map[string]int
	nextID   int
	hook     func(op string) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		posts:    make(map[string]models.Post),
		likes:    make(map[string]map[string]bool),
		comments: make(map[string][]models.Comment),
		profiles: make(map[string]models.Profile),
		calls:    make(map[string]int),
	}
}

func (s *fakeStore) setHook(hook func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

func (s *fakeStore) callCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *fakeStore) enter(op string) error {
	s.mu.Lock()
	s.calls[op]++
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		return hook(op)
	}
	return nil
}

func (s *fakeStore) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

func (s *fakeStore) addPost(p models.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
		p.UpdatedAt = p.CreatedAt
	}
	s.posts[p.ID] = p
}

func (s *fakeStore) addComment(c models.Comment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
		c.UpdatedAt = c.CreatedAt
	}
	s.comments[c.PostID] = append(s.comments[c.PostID], c)
}

func (s *fakeStore) author(id string) models.Author {
	if p, ok := s.profiles[id]; ok {
		return p.Author(id)
	}
	var missing *models.Profile
	return missing.Author(id)
}

func (s *fakeStore) ListPosts(ctx context.Context) ([]models.Post, error) {
	if err := s.enter("list_posts"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	posts := make([]models.Post, 0, len(s.posts))
	for _, p := range s.posts {
		p.Author = s.author(p.UserID)
		posts = append(posts, p)
	}
	models.SortPosts(posts)
	return posts, nil
}

func (s *fakeStore) CreatePost(ctx context.Context, post *models.Post) error {
	if err := s.enter("create_post"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	post.ID = s.id("post")
	post.LikesCount, post.CommentsCount = 0, 0
	post.CreatedAt = time.Now().UTC()
	post.UpdatedAt = post.CreatedAt
	s.posts[post.ID] = *post
	return nil
}

func (s *fakeStore) UpdatePost(ctx context.Context, actorID, postID, content string) (*models.Post, error) {
	if err := s.enter("update_post"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[postID]
	if !ok {
		return nil, fmt.Errorf("post %s not found", postID)
	}
	p.Content = content
	p.UpdatedAt = time.Now().UTC()
	s.posts[postID] = p
	return &p, nil
}

func (s *fakeStore) DeletePost(ctx context.Context, actorID, postID string) error {
	if err := s.enter("delete_post"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.posts, postID)
	delete(s.likes, postID)
	delete(s.comments, postID)
	return nil
}

func (s *fakeStore) LikePost(ctx context.Context, actorID, postID string) error {
	if err := s.enter("like"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.likes[postID] == nil {
		s.likes[postID] = make(map[string]bool)
	}
	s.likes[postID][actorID] = true
	p := s.posts[postID]
	p.LikesCount++
	s.posts[postID] = p
	return nil
}

func (s *fakeStore) UnlikePost(ctx context.Context, actorID, postID string) error {
	if err := s.enter("unlike"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.likes[postID], actorID)
	p := s.posts[postID]
	if p.LikesCount > 0 {
		p.LikesCount--
	}
	s.posts[postID] = p
	return nil
}

func (s *fakeStore) LikedPostIDs(ctx context.Context, actorID string, postIDs []string) (map[string]bool, error) {
	if err := s.enter("liked_post_ids"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	liked := make(map[string]bool)
	for _, id := range postIDs {
		if s.likes[id][actorID] {
			liked[id] = true
		}
	}
	return liked, nil
}

func (s *fakeStore) ListComments(ctx context.Context, postID string) ([]models.Comment, error) {
	if err := s.enter("list_comments"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	comments := make([]models.Comment, 0, len(s.comments[postID]))
	for _, c := range s.comments[postID] {
		c.Author = s.author(c.UserID)
		comments = append(comments, c)
	}
	sort.SliceStable(comments, func(i, j int) bool { return comments[i].CreatedAt.Before(comments[j].CreatedAt) })
	return comments, nil
}

func (s *fakeStore) CreateComment(ctx context.Context, comment *models.Comment) error {
	if err := s.enter("create_comment"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	comment.ID = s.id("comment")
	comment.CreatedAt = time.Now().UTC()
	comment.UpdatedAt = comment.CreatedAt
	s.comments[comment.PostID] = append(s.comments[comment.PostID], *comment)
	p := s.posts[comment.PostID]
	p.CommentsCount++
	s.posts[comment.PostID] = p
	return nil
}

func (s *fakeStore) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	if err := s.enter("get_profile"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *fakeStore) CreateProfile(ctx context.Context, profile *models.Profile) error {
	if err := s.enter("create_profile"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.ID] = *profile
	return nil
}

func (s *fakeStore) UpdateProfile(ctx context.Context, actorID string, update models.ProfileUpdate) (*models.Profile, error) {
	if err := s.enter("update_profile"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[actorID]
	if !ok {
		return nil, fmt.Errorf("profile %s not found", actorID)
	}
	set := func(dst **string, v *string) {
		if v == nil {
			return
		}
		if *v == "" {
			*dst = nil
			return
		}
		value := *v
		*dst = &value
	}
	if update.Username != nil {
		p.Username = *update.Username
	}
	set(&p.FullName, update.FullName)
	set(&p.AvatarURL, update.AvatarURL)
	set(&p.Bio, update.Bio)
	p.UpdatedAt = time.Now().UTC()
	s.profiles[actorID] = p
	return &p, nil
}

// fakeUploader keeps images in memory
type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	err     error
}

func (u *fakeUploader) UploadImage(ctx context.Context, img storage.Image) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return "", u.err
	}
	if u.objects == nil {
		u.objects = make(map[string][]byte)
	}
	url := "https://cdn.test/" + img.Name
	u.objects[url] = img.Data
	return url, nil
}

func (u *fakeUploader) DeleteImage(ctx context.Context, url string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.objects, url)
	u.deleted = append(u.deleted, url)
	return nil
}

func (u *fakeUploader) deletedURLs() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.deleted...)
}

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

// startEngine runs an engine signed in as alice until the test ends
func startEngine(t *testing.T, store Store, transport realtime.Transport, opts ...Option) (*Engine, *session.Session) {
	t.Helper()
	sess := session.New()
	require.NoError(t, sess.SignIn(testToken(t, "alice")))

	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	e := New(store, transport, sess, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e, sess
}

// barrier waits until every task queued so far has run
func barrier(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.do(func() error { return nil }))
}

func publish(t *testing.T, hub *realtime.Hub, typ realtime.ChangeType, table realtime.Table, record, old interface{}) {
	t.Helper()
	change, err := realtime.NewChange(typ, table, record, old)
	require.NoError(t, err)
	require.NoError(t, hub.Publish(context.Background(), change))
}

func cachedPost(t *testing.T, e *Engine, id string) models.Post {
	t.Helper()
	p, ok := e.Cache().Post(id)
	require.True(t, ok, "post %s not cached", id)
	return p
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func (s *fakeStore) removeComment(postID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.comments[postID]
	for i := range list {
		if list[i].ID == id {
			s.comments[postID] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}
