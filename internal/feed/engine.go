// Package feed keeps a local feed cache consistent with the remote store.
//
// Two paths change the cache. User actions go through the optimistic
// mutation applier, which changes the cache at once, calls the store and
// rolls back on failure. Change notifications go through the reconciliation
// policy, which merges other actors' changes and discards echoes of the
// current actor's own. Both run as tasks on a single engine loop, so cache
// mutations never interleave; remote calls run off the loop and post their
// completions back to it.
package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/feedline/feedsync/internal/models"
	"github.com/feedline/feedsync/internal/realtime"
	"github.com/feedline/feedsync/internal/session"
	"github.com/feedline/feedsync/internal/storage"
	"github.com/feedline/feedsync/pkg/logging"
)

// DefaultMaxContentLength is the longest post or comment accepted, in runes
const DefaultMaxContentLength = 2000

// Store is the remote store. Create calls assign the id and timestamps of
// the row passed in.
type Store interface {
	ListPosts(ctx context.Context) ([]models.Post, error)
	CreatePost(ctx context.Context, post *models.Post) error
	UpdatePost(ctx context.Context, actorID, postID, content string) (*models.Post, error)
	DeletePost(ctx context.Context, actorID, postID string) error
	LikePost(ctx context.Context, actorID, postID string) error
	UnlikePost(ctx context.Context, actorID, postID string) error
	LikedPostIDs(ctx context.Context, actorID string, postIDs []string) (map[string]bool, error)
	ListComments(ctx context.Context, postID string) ([]models.Comment, error)
	CreateComment(ctx context.Context, comment *models.Comment) error
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	CreateProfile(ctx context.Context, profile *models.Profile) error
	UpdateProfile(ctx context.Context, actorID string, update models.ProfileUpdate) (*models.Profile, error)
}

// Uploader stores post images
type Uploader interface {
	UploadImage(ctx context.Context, img storage.Image) (string, error)
	DeleteImage(ctx context.Context, url string) error
}

// Option configures an Engine
type Option func(*Engine)

// WithUploader enables image posts
func WithUploader(u Uploader) Option {
	return func(e *Engine) {
		e.uploader = u
	}
}

// WithMaxContentLength overrides DefaultMaxContentLength
func WithMaxContentLength(n int) Option {
	return func(e *Engine) {
		e.maxContent = n
	}
}

// WithLogger overrides the engine's logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// Engine owns the feed cache of one signed-in client.
//
// Run must be called from exactly one goroutine, and must be running for any
// other method to complete. Every other method is safe for concurrent use.
type Engine struct {
	store      Store
	uploader   Uploader
	session    *session.Session
	cache      *Cache
	subs       *SubscriptionManager
	queue      *taskQueue
	maxContent int
	logger     *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	// Scopes the UI wants open; Refresh reopens the ones that failed
	wantMu sync.Mutex
	wanted map[realtime.Topic]struct{}

	// Loop-only state below
	inflight        map[string]struct{}
	pendingPosts    map[string]struct{}
	pendingComments map[string]struct{}
	postsGen        uint64
	commentsGen     map[string]uint64
	counted         map[string]map[string]struct{}
	author          models.Author
	authorGen       uint64
	sessionGen      uint64
}

// New creates an engine. transport may be nil, in which case every scope
// stays closed and the cache only changes through user actions and refreshes.
func New(store Store, transport realtime.Transport, sess *session.Session, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:           store,
		session:         sess,
		cache:           NewCache(),
		queue:           newTaskQueue(),
		maxContent:      DefaultMaxContentLength,
		logger:          logging.WithComponent("feed"),
		ctx:             ctx,
		cancel:          cancel,
		stopped:         make(chan struct{}),
		wanted:          make(map[realtime.Topic]struct{}),
		inflight:        make(map[string]struct{}),
		pendingPosts:    make(map[string]struct{}),
		pendingComments: make(map[string]struct{}),
		commentsGen:     make(map[string]uint64),
		counted:         make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.subs = newSubscriptionManager(transport, e.deliver, e.logger.With(zap.String("component", "feed.subscriptions")))
	e.sessionGen = sess.Generation()
	return e
}

// Cache exposes the read side of the feed
func (e *Engine) Cache() *Cache {
	return e.cache
}

// Subscriptions exposes the subscription manager
func (e *Engine) Subscriptions() *SubscriptionManager {
	return e.subs
}

// Session returns the session the engine acts for
func (e *Engine) Session() *session.Session {
	return e.session
}

// Run executes loop tasks until ctx is done or Stop is called. On exit every
// subscription is released.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Engine starting")
	defer func() {
		e.queue.Close()
		e.cancel()
		e.subs.CloseAll()
		e.subs.Wait()
		close(e.stopped)
		e.logger.Info("Engine stopped")
	}()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go e.watchSession(watchCtx)

	for {
		if t, ok := e.queue.TryDequeue(); ok {
			t()
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-e.queue.Wait():
			// A closed signal means Stop was called; drain before exiting
			if !ok && e.queue.Len() == 0 {
				return nil
			}
		}
	}
}

// Stop makes Run return
func (e *Engine) Stop() {
	e.queue.Close()
	e.cancel()
}

// Done is closed once Run has returned
func (e *Engine) Done() <-chan struct{} {
	return e.stopped
}

// post schedules fn on the loop without waiting
func (e *Engine) post(fn func()) bool {
	return e.queue.Enqueue(task(fn))
}

// do runs fn on the loop and waits for its result. It does not give up on
// caller cancellation: once a mutation is applied its remote call and
// settlement must follow.
func (e *Engine) do(fn func() error) error {
	errc := make(chan error, 1)
	if !e.post(func() { errc <- fn() }) {
		return ErrEngineStopped
	}
	select {
	case err := <-errc:
		return err
	case <-e.stopped:
		select {
		case err := <-errc:
			return err
		default:
			return ErrEngineStopped
		}
	}
}

// deliver is called by subscription pumps
func (e *Engine) deliver(topic realtime.Topic, id uint64, ev realtime.Event) {
	e.post(func() {
		if current, ok := e.subs.Current(topic); !ok || current != id {
			eventsTotal.WithLabelValues(string(ev.Table()), outcomeStale).Inc()
			return
		}
		e.reconcile(ev)
	})
}

func (e *Engine) want(topic realtime.Topic) {
	e.wantMu.Lock()
	e.wanted[topic] = struct{}{}
	e.wantMu.Unlock()
}

func (e *Engine) unwant(topic realtime.Topic) {
	e.wantMu.Lock()
	delete(e.wanted, topic)
	e.wantMu.Unlock()
}

func (e *Engine) wantedTopics() []realtime.Topic {
	e.wantMu.Lock()
	defer e.wantMu.Unlock()
	topics := make([]realtime.Topic, 0, len(e.wanted))
	for topic := range e.wanted {
		topics = append(topics, topic)
	}
	return topics
}

func (e *Engine) isWanted(topic realtime.Topic) bool {
	e.wantMu.Lock()
	defer e.wantMu.Unlock()
	_, ok := e.wanted[topic]
	return ok
}

// openScope opens a subscription. Failures are logged and leave the scope
// closed; the caller carries on with a cache that may go stale.
func (e *Engine) openScope(ctx context.Context, topic realtime.Topic) {
	if err := e.subs.Open(ctx, topic); err != nil && err != errSuperseded {
		e.logger.Warn("Failed to open subscription", zap.String("topic", topic.String()), zap.Error(err))
	}
}

// MountFeed opens the posts scope and loads the feed
func (e *Engine) MountFeed(ctx context.Context) ([]models.Post, error) {
	if _, err := e.checkSession(); err != nil {
		return nil, err
	}
	e.want(realtime.PostsTopic())
	e.openScope(ctx, realtime.PostsTopic())

	if err := e.ensureAuthor(ctx); err != nil {
		return nil, err
	}
	if err := e.loadPosts(ctx); err != nil {
		return nil, err
	}
	return e.cache.ListPosts(), nil
}

// UnmountFeed closes the posts scope
func (e *Engine) UnmountFeed() {
	e.unwant(realtime.PostsTopic())
	e.subs.Close(realtime.PostsTopic())
}

// MountPost opens the likes scope of a post
func (e *Engine) MountPost(ctx context.Context, postID string) error {
	if _, err := e.checkSession(); err != nil {
		return err
	}
	topic := realtime.LikesTopic(postID)
	e.want(topic)
	e.openScope(ctx, topic)
	return nil
}

// UnmountPost closes the likes scope of a post
func (e *Engine) UnmountPost(postID string) {
	topic := realtime.LikesTopic(postID)
	e.unwant(topic)
	e.subs.Close(topic)
}

// Refresh reopens wanted scopes that failed and reloads posts and every open
// comment list
func (e *Engine) Refresh(ctx context.Context) error {
	if _, err := e.checkSession(); err != nil {
		return err
	}

	var commentPosts []string
	for _, topic := range e.wantedTopics() {
		if e.subs.State(topic) == Closed {
			e.logger.Info("Reopening scope", zap.String("topic", topic.String()))
			e.openScope(ctx, topic)
		}
		if topic.Table == realtime.TableComments {
			commentPosts = append(commentPosts, topic.PostID)
		}
	}

	if err := e.ensureAuthor(ctx); err != nil {
		return err
	}
	return e.reload(ctx, commentPosts)
}

// reload fetches posts and the comments of the given posts again
func (e *Engine) reload(ctx context.Context, commentPosts []string) error {
	if err := e.loadPosts(ctx); err != nil {
		return err
	}
	for _, postID := range commentPosts {
		if _, err := e.loadComments(ctx, postID); err != nil {
			return err
		}
	}
	return nil
}

// checkSession returns the actor for a remote call. An unusable session is
// torn down.
func (e *Engine) checkSession() (string, error) {
	actor, err := e.session.Check()
	if err != nil {
		e.failSession(err)
		return "", err
	}
	return actor, nil
}

// failSession ends the session after an auth failure at any boundary
func (e *Engine) failSession(err error) {
	if !session.IsAuthError(err) {
		return
	}
	if e.session.State() == session.SignedIn {
		e.logger.Warn("Session rejected, signing out", zap.Error(err))
		e.session.Expire()
	}
	e.teardown()
}

// SignOut ends the session and clears every identity-bound state
func (e *Engine) SignOut() {
	e.session.SignOut()
	e.teardown()
}

// SignIn starts a new session from an access token
func (e *Engine) SignIn(ctx context.Context, token string) error {
	if err := e.session.SignIn(token); err != nil {
		return err
	}
	e.teardown()
	return e.ensureAuthor(ctx)
}

// teardown drops everything bound to the previous session: open scopes, the
// cache and in-flight bookkeeping. Completions of requests still in flight
// see a new session generation and leave the cache alone. Calling it again
// for the same session is a no-op.
func (e *Engine) teardown() {
	gen := e.session.Generation()
	err := e.do(func() error {
		if e.sessionGen == gen {
			return nil
		}
		e.sessionGen = gen

		e.wantMu.Lock()
		e.wanted = make(map[realtime.Topic]struct{})
		e.wantMu.Unlock()
		e.subs.CloseAll()

		e.cache.Reset()
		e.inflight = make(map[string]struct{})
		e.pendingPosts = make(map[string]struct{})
		e.pendingComments = make(map[string]struct{})
		e.commentsGen = make(map[string]uint64)
		e.counted = make(map[string]map[string]struct{})
		e.author = models.Author{}
		e.authorGen = 0
		e.postsGen++
		return nil
	})
	if err != nil {
		e.logger.Debug("Teardown skipped", zap.Uint64("generation", gen), zap.Error(err))
	}
}

func (e *Engine) watchSession(ctx context.Context) {
	changes := e.session.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-changes:
			e.logger.Info("Session changed", zap.Stringer("state", change.State))
			go e.teardown()
		}
	}
}

// live reports whether work started under session generation gen may still
// change the cache. Loop only.
func (e *Engine) live(gen uint64) bool {
	return gen == e.session.Generation() && gen == e.sessionGen
}

// ensureAuthor loads the signed-in actor's profile for optimistic rows,
// creating it from the token metadata when it does not exist yet
func (e *Engine) ensureAuthor(ctx context.Context) error {
	actor, err := e.checkSession()
	if err != nil {
		return err
	}
	gen := e.session.Generation()

	var loaded bool
	e.do(func() error {
		loaded = e.authorGen == gen && e.author.ID == actor
		return nil
	})
	if loaded {
		return nil
	}

	profile, err := e.store.GetProfile(ctx, actor)
	if err != nil {
		e.failSession(err)
		return fmt.Errorf("failed to load profile: %w", err)
	}
	if profile == nil {
		claims, _ := e.session.Claims()
		profile = newProfile(actor, claims)
		if err := e.store.CreateProfile(ctx, profile); err != nil {
			// Posts still render with the placeholder identity
			e.failSession(err)
			e.logger.Warn("Failed to create profile", zap.String("actor", actor), zap.Error(err))
		}
	}

	author := profile.Author(actor)
	return e.do(func() error {
		if e.live(gen) {
			e.author = author
			e.authorGen = gen
		}
		return nil
	})
}

func newProfile(actor string, claims session.Claims) *models.Profile {
	profile := &models.Profile{ID: actor, Username: claims.Username}
	if profile.Username == "" {
		short := actor
		if len(short) > 8 {
			short = short[:8]
		}
		profile.Username = "user_" + short
	}
	if claims.FullName != "" {
		fullName := claims.FullName
		profile.FullName = &fullName
	}
	now := time.Now().UTC()
	profile.CreatedAt = now
	profile.UpdatedAt = now
	return profile
}
