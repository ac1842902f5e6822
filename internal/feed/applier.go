package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/feedline/feedsync/internal/models"
	"github.com/feedline/feedsync/internal/realtime"
	"github.com/feedline/feedsync/internal/storage"
)

// PostDraft is a post the actor is about to publish
type PostDraft struct {
	Content string
	Image   *storage.Image
}

func likeKey(postID string) string { return "like:" + postID }
func postKey(postID string) string { return "post:" + postID }

func (e *Engine) validateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if n := utf8.RuneCountInString(content); n > e.maxContent {
		return "", &ValidationError{
			Field:  "content",
			Reason: fmt.Sprintf("must be at most %d characters, got %d", e.maxContent, n),
		}
	}
	return content, nil
}

// remoteFailed finishes a failed remote call: auth failures end the session
func (e *Engine) remoteFailed(op string, err error) error {
	e.logger.Info("Remote mutation failed", zap.String("op", op), zap.Error(err))
	e.failSession(err)
	return fmt.Errorf("failed to %s: %w", strings.ReplaceAll(op, "_", " "), err)
}

// CreatePost publishes a new post. The post appears in the cache under a
// placeholder id at once and takes the stored id when the store confirms.
// An attached image is uploaded first; an upload failure changes nothing.
func (e *Engine) CreatePost(ctx context.Context, draft PostDraft) (models.Post, error) {
	content, err := e.validateContent(draft.Content)
	if err != nil {
		return models.Post{}, err
	}
	if draft.Image != nil && e.uploader == nil {
		return models.Post{}, &ValidationError{Field: "image", Reason: ErrUploadsDisabled.Error(), Err: ErrUploadsDisabled}
	}

	actor, err := e.checkSession()
	if err != nil {
		return models.Post{}, err
	}
	gen := e.session.Generation()
	if err := e.ensureAuthor(ctx); err != nil {
		return models.Post{}, err
	}

	remoteCtx := context.WithoutCancel(ctx)

	var imageURL *string
	if draft.Image != nil {
		url, err := e.uploader.UploadImage(remoteCtx, *draft.Image)
		if err != nil {
			if errors.Is(err, storage.ErrInvalidImage) {
				return models.Post{}, &ValidationError{Field: "image", Reason: err.Error(), Err: err}
			}
			return models.Post{}, e.remoteFailed("upload_image", err)
		}
		imageURL = &url
	}

	now := time.Now().UTC()
	placeholder := models.Post{
		ID:        uuid.NewString(),
		UserID:    actor,
		Content:   content,
		ImageURL:  imageURL,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = e.do(func() error {
		if !e.live(gen) {
			return ErrSessionChanged
		}
		placeholder.Author = e.author
		e.cache.UpsertPost(placeholder)
		e.pendingPosts[placeholder.ID] = struct{}{}
		return nil
	})
	if err != nil {
		e.discardImage(imageURL)
		return models.Post{}, err
	}

	stored := placeholder.Clone()
	stored.Author = models.Author{}
	remoteErr := e.store.CreatePost(remoteCtx, &stored)

	err = e.do(func() error {
		if !e.live(gen) {
			return nil
		}
		delete(e.pendingPosts, placeholder.ID)
		if remoteErr != nil {
			e.cache.RemovePost(placeholder.ID)
			rollbacksTotal.WithLabelValues("create_post").Inc()
			return nil
		}
		stored.Author = placeholder.Author
		stored.LikedByMe = false
		if _, ok := e.cache.Post(stored.ID); ok {
			// A refresh already brought in the stored row
			e.cache.RemovePost(placeholder.ID)
		} else {
			e.cache.ReplacePostID(placeholder.ID, stored)
		}
		return nil
	})
	if remoteErr != nil {
		e.discardImage(imageURL)
		return models.Post{}, e.remoteFailed("create_post", remoteErr)
	}
	if err != nil {
		return models.Post{}, err
	}
	return stored, nil
}

// discardImage removes an upload whose post was never stored
func (e *Engine) discardImage(url *string) {
	if url == nil || e.uploader == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.uploader.DeleteImage(ctx, *url); err != nil {
			e.logger.Warn("Failed to remove orphaned image", zap.String("url", *url), zap.Error(err))
		}
	}()
}

// EditPost replaces the content of one of the actor's posts
func (e *Engine) EditPost(ctx context.Context, postID, content string) (models.Post, error) {
	content, err := e.validateContent(content)
	if err != nil {
		return models.Post{}, err
	}
	actor, err := e.checkSession()
	if err != nil {
		return models.Post{}, err
	}
	gen := e.session.Generation()
	key := postKey(postID)

	var snap models.Post
	err = e.do(func() error {
		if !e.live(gen) {
			return ErrSessionChanged
		}
		if _, busy := e.inflight[key]; busy {
			return ErrMutationInFlight
		}
		post, ok := e.cache.snapshotPost(postID)
		if !ok {
			return ErrPostNotFound
		}
		if post.UserID != actor {
			return ErrNotOwner
		}
		snap = post
		post.Content = content
		post.UpdatedAt = time.Now().UTC()
		e.cache.UpsertPost(post)
		e.inflight[key] = struct{}{}
		return nil
	})
	if err != nil {
		return models.Post{}, err
	}

	updated, remoteErr := e.store.UpdatePost(context.WithoutCancel(ctx), actor, postID, content)

	var result models.Post
	err = e.do(func() error {
		if !e.live(gen) {
			return nil
		}
		delete(e.inflight, key)
		post, ok := e.cache.Post(postID)
		if !ok {
			// Removed by a refresh meanwhile; nothing to settle
			return nil
		}
		if remoteErr != nil {
			e.cache.restorePost(snap)
			rollbacksTotal.WithLabelValues("edit_post").Inc()
			return nil
		}
		post.Content = updated.Content
		post.UpdatedAt = updated.UpdatedAt
		e.cache.UpsertPost(post)
		result = post
		return nil
	})
	if remoteErr != nil {
		return models.Post{}, e.remoteFailed("edit_post", remoteErr)
	}
	if err != nil {
		return models.Post{}, err
	}
	if result.ID == "" {
		result = *updated
	}
	return result, nil
}

// DeletePost removes one of the actor's posts
func (e *Engine) DeletePost(ctx context.Context, postID string) error {
	actor, err := e.checkSession()
	if err != nil {
		return err
	}
	gen := e.session.Generation()
	key := postKey(postID)

	var snap models.Post
	err = e.do(func() error {
		if !e.live(gen) {
			return ErrSessionChanged
		}
		if _, busy := e.inflight[key]; busy {
			return ErrMutationInFlight
		}
		post, ok := e.cache.snapshotPost(postID)
		if !ok {
			return ErrPostNotFound
		}
		if post.UserID != actor {
			return ErrNotOwner
		}
		snap = post
		e.cache.RemovePost(postID)
		e.inflight[key] = struct{}{}
		return nil
	})
	if err != nil {
		return err
	}

	remoteErr := e.store.DeletePost(context.WithoutCancel(ctx), actor, postID)

	err = e.do(func() error {
		if !e.live(gen) {
			return nil
		}
		delete(e.inflight, key)
		if remoteErr != nil {
			if _, ok := e.cache.Post(postID); !ok {
				e.cache.restorePost(snap)
			}
			rollbacksTotal.WithLabelValues("delete_post").Inc()
		}
		return nil
	})
	if remoteErr != nil {
		return e.remoteFailed("delete_post", remoteErr)
	}
	return err
}

// ToggleLike likes or unlikes a post. While a toggle on the post waits on
// the store, further toggles on it return ErrMutationInFlight.
func (e *Engine) ToggleLike(ctx context.Context, postID string) (models.Post, error) {
	actor, err := e.checkSession()
	if err != nil {
		return models.Post{}, err
	}
	gen := e.session.Generation()
	key := likeKey(postID)

	var liked bool
	var applied int64
	err = e.do(func() error {
		if !e.live(gen) {
			return ErrSessionChanged
		}
		if _, busy := e.inflight[key]; busy {
			return ErrMutationInFlight
		}
		post, ok := e.cache.Post(postID)
		if !ok {
			return ErrPostNotFound
		}
		liked = !post.LikedByMe
		delta := int64(1)
		if !liked {
			delta = -1
		}
		e.cache.SetLikedByMe(postID, liked)
		applied, _ = e.cache.AdjustLikeCount(postID, delta)
		e.inflight[key] = struct{}{}
		return nil
	})
	if err != nil {
		return models.Post{}, err
	}

	remoteCtx := context.WithoutCancel(ctx)
	var remoteErr error
	if liked {
		remoteErr = e.store.LikePost(remoteCtx, actor, postID)
	} else {
		remoteErr = e.store.UnlikePost(remoteCtx, actor, postID)
	}

	var result models.Post
	err = e.do(func() error {
		if !e.live(gen) {
			return nil
		}
		delete(e.inflight, key)
		if remoteErr != nil {
			// Undo exactly what was applied; other actors' likes that
			// arrived meanwhile stay counted
			e.cache.SetLikedByMe(postID, !liked)
			e.cache.AdjustLikeCount(postID, -applied)
			rollbacksTotal.WithLabelValues("toggle_like").Inc()
		}
		result, _ = e.cache.Post(postID)
		return nil
	})
	if remoteErr != nil {
		return models.Post{}, e.remoteFailed("toggle_like", remoteErr)
	}
	return result, err
}

// CreateComment adds a comment to a post. The comment appears in the post's
// comment list at once when its comment scope is open; the post's comment
// count changes either way.
func (e *Engine) CreateComment(ctx context.Context, postID, content string) (models.Comment, error) {
	content, err := e.validateContent(content)
	if err != nil {
		return models.Comment{}, err
	}
	actor, err := e.checkSession()
	if err != nil {
		return models.Comment{}, err
	}
	gen := e.session.Generation()
	if err := e.ensureAuthor(ctx); err != nil {
		return models.Comment{}, err
	}

	topic := realtime.CommentsTopic(postID)
	now := time.Now().UTC()
	placeholder := models.Comment{
		ID:        uuid.NewString(),
		UserID:    actor,
		PostID:    postID,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var scopeID uint64
	var scopeOpen bool
	var applied int64
	err = e.do(func() error {
		if !e.live(gen) {
			return ErrSessionChanged
		}
		if _, ok := e.cache.Post(postID); !ok {
			return ErrPostNotFound
		}
		placeholder.Author = e.author
		scopeID, scopeOpen = e.subs.Current(topic)
		if scopeOpen {
			e.cache.UpsertComment(placeholder)
			e.pendingComments[placeholder.ID] = struct{}{}
		}
		applied, _ = e.cache.AdjustCommentCount(postID, 1)
		return nil
	})
	if err != nil {
		return models.Comment{}, err
	}

	stored := placeholder.Clone()
	stored.Author = models.Author{}
	remoteErr := e.store.CreateComment(context.WithoutCancel(ctx), &stored)
	stored.Author = placeholder.Author

	err = e.do(func() error {
		if !e.live(gen) {
			return nil
		}
		delete(e.pendingComments, placeholder.ID)
		current, ok := e.subs.Current(topic)
		scopeLive := scopeOpen && ok && current == scopeID
		if remoteErr != nil {
			if scopeLive {
				e.cache.RemoveComment(postID, placeholder.ID)
			}
			e.cache.AdjustCommentCount(postID, -applied)
			rollbacksTotal.WithLabelValues("create_comment").Inc()
			return nil
		}
		if scopeLive {
			e.cache.ReplaceCommentID(postID, placeholder.ID, stored)
		}
		return nil
	})
	if remoteErr != nil {
		return models.Comment{}, e.remoteFailed("create_comment", remoteErr)
	}
	if err != nil {
		return models.Comment{}, err
	}
	return stored, nil
}
