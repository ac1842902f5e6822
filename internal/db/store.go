package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/feedline/feedsync/internal/cache"
	"github.com/feedline/feedsync/internal/models"
	"github.com/feedline/feedsync/internal/realtime"
	"github.com/feedline/feedsync/pkg/logging"
	"github.com/feedline/feedsync/pkg/telemetry"
)

var (
	// ErrNotFound is returned when the addressed row does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would violate a uniqueness rule
	ErrConflict = errors.New("conflict")
	// ErrForbidden is returned when the actor does not own the row
	ErrForbidden = errors.New("forbidden")
)

// Store is the remote store the feed engine reads and writes. Every
// committed write is published as a change notification when a publisher is
// configured.
type Store struct {
	repo       *Repository
	cache      *cache.Cache
	profileTTL time.Duration
	publisher  realtime.Publisher
	logger     *zap.Logger
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithCache caches profile lookups
func WithCache(c *cache.Cache, ttl time.Duration) StoreOption {
	return func(s *Store) {
		s.cache = c
		s.profileTTL = ttl
	}
}

// WithPublisher publishes a change after every committed write
func WithPublisher(p realtime.Publisher) StoreOption {
	return func(s *Store) {
		s.publisher = p
	}
}

// NewStore creates a store on an open database
func NewStore(d *DB, opts ...StoreOption) *Store {
	s := &Store{
		repo:       NewRepository(d.DB),
		profileTTL: 5 * time.Minute,
		logger:     logging.WithComponent("db.store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) publish(ctx context.Context, typ realtime.ChangeType, table realtime.Table, record, old interface{}) {
	if s.publisher == nil {
		return
	}
	change, err := realtime.NewChange(typ, table, record, old)
	if err == nil {
		err = s.publisher.Publish(ctx, change)
	}
	if err != nil {
		// The write is committed; subscribers will catch up on next refresh
		s.logger.Warn("Failed to publish change",
			zap.String("table", string(table)),
			zap.String("type", string(typ)),
			zap.Error(err))
	}
}

func translate(err error) error {
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	}
	return err
}

// ListPosts returns every post newest first with its author resolved
func (s *Store) ListPosts(ctx context.Context) (posts []models.Post, err error) {
	ctx, span := telemetry.StartSpan(ctx, "db.ListPosts")
	defer func() { telemetry.EndSpan(span, err) }()

	posts, err = s.repo.Posts().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	for i := range posts {
		posts[i].ResolveAuthor()
		posts[i].Profile = nil
	}
	span.SetAttributes(attribute.Int("feed.posts", len(posts)))
	return posts, nil
}

// CreatePost stores a new post owned by post.UserID. The store assigns the
// id and timestamps.
func (s *Store) CreatePost(ctx context.Context, post *models.Post) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "db.CreatePost")
	defer func() { telemetry.EndSpan(span, err) }()

	post.ID = uuid.NewString()
	post.LikesCount = 0
	post.CommentsCount = 0
	post.CreatedAt = time.Time{}
	post.UpdatedAt = time.Time{}
	if err := s.repo.Posts().Create(ctx, post); err != nil {
		return fmt.Errorf("failed to create post: %w", translate(err))
	}

	s.publish(ctx, realtime.Insert, realtime.TablePosts, post, nil)
	return nil
}

// UpdatePost replaces the content of a post owned by actorID
func (s *Store) UpdatePost(ctx context.Context, actorID, postID, content string) (updated *models.Post, err error) {
	ctx, span := telemetry.StartSpan(ctx, "db.UpdatePost", telemetry.PostAttr(postID))
	defer func() { telemetry.EndSpan(span, err) }()

	var before models.Post
	err = s.repo.Transaction(ctx, func(tx *Repository) error {
		post, err := tx.Posts().GetByID(ctx, postID)
		if err != nil {
			return err
		}
		if post == nil {
			return ErrNotFound
		}
		if post.UserID != actorID {
			return ErrForbidden
		}
		before = post.Clone()
		if err := tx.Posts().UpdateContent(ctx, post, content); err != nil {
			return err
		}
		updated, err = tx.Posts().GetByID(ctx, postID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update post %s: %w", postID, translate(err))
	}

	updated.ResolveAuthor()
	updated.Profile = nil
	s.publish(ctx, realtime.Update, realtime.TablePosts, updated, before)
	return updated, nil
}

// DeletePost removes a post owned by actorID together with its likes and
// comments
func (s *Store) DeletePost(ctx context.Context, actorID, postID string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "db.DeletePost", telemetry.PostAttr(postID))
	defer func() { telemetry.EndSpan(span, err) }()

	var deleted models.Post
	err = s.repo.Transaction(ctx, func(tx *Repository) error {
		post, err := tx.Posts().GetByID(ctx, postID)
		if err != nil {
			return err
		}
		if post == nil {
			return ErrNotFound
		}
		if post.UserID != actorID {
			return ErrForbidden
		}
		deleted = post.Clone()
		if err := tx.Likes().DeleteByPost(ctx, postID); err != nil {
			return err
		}
		if err := tx.Comments().DeleteByPost(ctx, postID); err != nil {
			return err
		}
		return tx.Posts().Delete(ctx, postID)
	})
	if err != nil {
		return fmt.Errorf("failed to delete post %s: %w", postID, translate(err))
	}

	s.publish(ctx, realtime.Delete, realtime.TablePosts, nil, deleted)
	return nil
}

// LikePost records that actorID likes postID
func (s *Store) LikePost(ctx context.Context, actorID, postID string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "db.LikePost", telemetry.PostAttr(postID))
	defer func() { telemetry.EndSpan(span, err) }()

	like := &models.Like{ID: uuid.NewString(), UserID: actorID, PostID: postID}
	err = s.repo.Transaction(ctx, func(tx *Repository) error {
		post, err := tx.Posts().GetByID(ctx, postID)
		if err != nil {
			return err
		}
		if post == nil {
			return ErrNotFound
		}
		existing, err := tx.Likes().Get(ctx, actorID, postID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrConflict
		}
		if err := tx.Likes().Create(ctx, like); err != nil {
			return err
		}
		return tx.Posts().AdjustLikes(ctx, postID, 1)
	})
	if err != nil {
		return fmt.Errorf("failed to like post %s: %w", postID, translate(err))
	}

	s.publish(ctx, realtime.Insert, realtime.TableLikes, like, nil)
	return nil
}

// UnlikePost removes the like of actorID on postID
func (s *Store) UnlikePost(ctx context.Context, actorID, postID string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "db.UnlikePost", telemetry.PostAttr(postID))
	defer func() { telemetry.EndSpan(span, err) }()

	var removed *models.Like
	err = s.repo.Transaction(ctx, func(tx *Repository) error {
		like, err := tx.Likes().Get(ctx, actorID, postID)
		if err != nil {
			return err
		}
		if like == nil {
			return ErrNotFound
		}
		removed = like
		if err := tx.Likes().Delete(ctx, like.ID); err != nil {
			return err
		}
		return tx.Posts().AdjustLikes(ctx, postID, -1)
	})
	if err != nil {
		return fmt.Errorf("failed to unlike post %s: %w", postID, translate(err))
	}

	s.publish(ctx, realtime.Delete, realtime.TableLikes, nil, removed)
	return nil
}

// LikedPostIDs returns the subset of postIDs actorID has liked
func (s *Store) LikedPostIDs(ctx context.Context, actorID string, postIDs []string) (liked map[string]bool, err error) {
	ctx, span := telemetry.StartSpan(ctx, "db.LikedPostIDs")
	defer func() { telemetry.EndSpan(span, err) }()

	liked = make(map[string]bool)
	if actorID == "" || len(postIDs) == 0 {
		return liked, nil
	}
	ids, err := s.repo.Likes().PostIDsByUser(ctx, actorID, postIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to check like status: %w", err)
	}
	for _, id := range ids {
		liked[id] = true
	}
	return liked, nil
}

// ListComments returns the comments of a post oldest first
func (s *Store) ListComments(ctx context.Context, postID string) (comments []models.Comment, err error) {
	ctx, span := telemetry.StartSpan(ctx, "db.ListComments", telemetry.PostAttr(postID))
	defer func() { telemetry.EndSpan(span, err) }()

	comments, err = s.repo.Comments().ListByPost(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments of %s: %w", postID, err)
	}
	for i := range comments {
		comments[i].ResolveAuthor()
		comments[i].Profile = nil
	}
	return comments, nil
}

// CreateComment stores a new comment owned by comment.UserID on
// comment.PostID. The store assigns the id and timestamps.
func (s *Store) CreateComment(ctx context.Context, comment *models.Comment) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "db.CreateComment", telemetry.PostAttr(comment.PostID))
	defer func() { telemetry.EndSpan(span, err) }()

	comment.ID = uuid.NewString()
	comment.CreatedAt = time.Time{}
	comment.UpdatedAt = time.Time{}
	err = s.repo.Transaction(ctx, func(tx *Repository) error {
		post, err := tx.Posts().GetByID(ctx, comment.PostID)
		if err != nil {
			return err
		}
		if post == nil {
			return ErrNotFound
		}
		if err := tx.Comments().Create(ctx, comment); err != nil {
			return err
		}
		return tx.Posts().AdjustComments(ctx, comment.PostID, 1)
	})
	if err != nil {
		return fmt.Errorf("failed to create comment: %w", translate(err))
	}

	s.publish(ctx, realtime.Insert, realtime.TableComments, comment, nil)
	return nil
}

// GetProfile retrieves a profile, nil when it does not exist
func (s *Store) GetProfile(ctx context.Context, id string) (profile *models.Profile, err error) {
	ctx, span := telemetry.StartSpan(ctx, "db.GetProfile")
	defer func() { telemetry.EndSpan(span, err) }()

	key := cache.ProfileKey(id)
	var cached models.Profile
	switch err := s.cache.GetJSON(ctx, key, &cached); {
	case err == nil:
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return &cached, nil
	case errors.Is(err, cache.ErrMiss), errors.Is(err, cache.ErrCacheDisabled):
	default:
		s.logger.Warn("Profile cache read failed", zap.String("profile", id), zap.Error(err))
	}

	profile, err = s.repo.Profiles().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile %s: %w", id, err)
	}
	if profile == nil {
		return nil, nil
	}

	if err := s.cache.SetJSON(ctx, key, profile, s.profileTTL); err != nil && !errors.Is(err, cache.ErrCacheDisabled) {
		s.logger.Warn("Profile cache write failed", zap.String("profile", id), zap.Error(err))
	}
	return profile, nil
}

// CreateProfile stores a new profile
func (s *Store) CreateProfile(ctx context.Context, profile *models.Profile) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "db.CreateProfile")
	defer func() { telemetry.EndSpan(span, err) }()

	if err := s.repo.Profiles().Create(ctx, profile); err != nil {
		return fmt.Errorf("failed to create profile: %w", translate(err))
	}
	if err := s.cache.Delete(ctx, cache.ProfileKey(profile.ID)); err != nil && !errors.Is(err, cache.ErrCacheDisabled) {
		s.logger.Warn("Profile cache invalidation failed", zap.String("profile", profile.ID), zap.Error(err))
	}
	return nil
}

// UpdateProfile changes the actor's own profile and returns the stored row.
// Cleared optional fields are stored as NULL.
func (s *Store) UpdateProfile(ctx context.Context, actorID string, update models.ProfileUpdate) (profile *models.Profile, err error) {
	ctx, span := telemetry.StartSpan(ctx, "db.UpdateProfile")
	defer func() { telemetry.EndSpan(span, err) }()

	fields := map[string]interface{}{"updated_at": time.Now().UTC()}
	if update.Username != nil {
		fields["username"] = *update.Username
	}
	for column, value := range map[string]*string{
		"full_name":  update.FullName,
		"avatar_url": update.AvatarURL,
		"bio":        update.Bio,
	} {
		if value != nil {
			fields[column] = nullable(*value)
		}
	}

	if err := s.repo.Profiles().Update(ctx, actorID, fields); err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", translate(err))
	}
	if err := s.cache.Delete(ctx, cache.ProfileKey(actorID)); err != nil && !errors.Is(err, cache.ErrCacheDisabled) {
		s.logger.Warn("Profile cache invalidation failed", zap.String("profile", actorID), zap.Error(err))
	}

	profile, err = s.repo.Profiles().GetByID(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload profile: %w", err)
	}
	if profile == nil {
		return nil, fmt.Errorf("failed to reload profile: %w", ErrNotFound)
	}
	return profile, nil
}

// nullable maps an empty string to SQL NULL
func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
