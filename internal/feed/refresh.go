package feed

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/feedline/feedsync/internal/models"
	"github.com/feedline/feedsync/internal/realtime"
)

// Refreshes are numbered per collection. A fetch result is applied only if
// no newer refresh of the same collection started meanwhile and the session
// is unchanged, so overlapping refreshes settle on the newest result.

type postsRefresh struct {
	gen        uint64
	sessionGen uint64
	actor      string
}

// beginPostsRefresh numbers a posts refresh. Loop only.
func (e *Engine) beginPostsRefresh() postsRefresh {
	e.postsGen++
	return postsRefresh{gen: e.postsGen, sessionGen: e.sessionGen, actor: e.session.ActorID()}
}

func (e *Engine) fetchPosts(ctx context.Context, actor string) ([]models.Post, map[string]bool, error) {
	if _, err := e.session.Check(); err != nil {
		return nil, nil, err
	}
	posts, err := e.store.ListPosts(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list posts: %w", err)
	}
	ids := make([]string, len(posts))
	for i := range posts {
		ids[i] = posts[i].ID
	}
	liked, err := e.store.LikedPostIDs(ctx, actor, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list liked posts: %w", err)
	}
	return posts, liked, nil
}

// applyPosts replaces the post collection with a fetch result. Posts with a
// mutation in flight keep their optimistic state. Placeholders of posts still
// being created are carried over unless the result already holds the stored
// row. Loop only.
func (e *Engine) applyPosts(r postsRefresh, posts []models.Post, liked map[string]bool) bool {
	if r.gen != e.postsGen || !e.live(r.sessionGen) {
		return false
	}

	merged := make([]models.Post, 0, len(posts)+len(e.pendingPosts))
	var fresh []models.Post
	for _, p := range posts {
		p.LikedByMe = liked[p.ID]
		cur, cached := e.cache.Post(p.ID)
		if !cached {
			fresh = append(fresh, p)
		}
		if _, busy := e.inflight[postKey(p.ID)]; busy {
			if !cached {
				// Optimistically deleted
				continue
			}
			p.Content = cur.Content
			p.UpdatedAt = cur.UpdatedAt
		}
		if _, busy := e.inflight[likeKey(p.ID)]; busy && cached {
			p.LikedByMe = cur.LikedByMe
			p.LikesCount = cur.LikesCount
		}
		merged = append(merged, p)
	}
	for id := range e.pendingPosts {
		cur, ok := e.cache.Post(id)
		if !ok {
			continue
		}
		// The create already landed; its completion drops the placeholder
		if i := matchPlaceholder(fresh, cur); i >= 0 {
			fresh = append(fresh[:i], fresh[i+1:]...)
			continue
		}
		merged = append(merged, cur)
	}
	e.cache.ReplacePosts(merged)
	return true
}

// matchPlaceholder finds the stored row of a pending post among posts the
// cache has not seen before
func matchPlaceholder(fresh []models.Post, placeholder models.Post) int {
	for i, p := range fresh {
		if p.UserID == placeholder.UserID && p.Content == placeholder.Content && sameString(p.ImageURL, placeholder.ImageURL) {
			return i
		}
	}
	return -1
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// loadPosts fetches the post collection and applies it
func (e *Engine) loadPosts(ctx context.Context) error {
	var r postsRefresh
	if err := e.do(func() error {
		r = e.beginPostsRefresh()
		return nil
	}); err != nil {
		return err
	}

	posts, liked, err := e.fetchPosts(ctx, r.actor)
	if err != nil {
		e.failSession(err)
		return err
	}
	return e.do(func() error {
		if !e.applyPosts(r, posts, liked) {
			e.logger.Debug("Discarding superseded posts refresh", zap.Uint64("gen", r.gen))
		}
		return nil
	})
}

// refreshPostsAsync starts a posts refresh from the loop
func (e *Engine) refreshPostsAsync() {
	r := e.beginPostsRefresh()
	go func() {
		posts, liked, err := e.fetchPosts(e.ctx, r.actor)
		if err != nil {
			if e.ctx.Err() == nil {
				e.logger.Warn("Posts refresh failed", zap.Error(err))
				e.failSession(err)
			}
			return
		}
		e.post(func() { e.applyPosts(r, posts, liked) })
	}()
}

type commentsRefresh struct {
	postID     string
	gen        uint64
	sessionGen uint64
	scopeID    uint64
}

// beginCommentsRefresh numbers a comments refresh and records which
// subscription of the post's comment scope it belongs to. Loop only.
func (e *Engine) beginCommentsRefresh(postID string) commentsRefresh {
	e.commentsGen[postID]++
	scopeID, _ := e.subs.Current(realtime.CommentsTopic(postID))
	return commentsRefresh{
		postID:     postID,
		gen:        e.commentsGen[postID],
		sessionGen: e.sessionGen,
		scopeID:    scopeID,
	}
}

// commentsApplicable reports whether a comments fetch may still change the
// cache: the refresh is the newest, the session is unchanged and the comment
// scope is still the one the fetch started under. Loop only.
func (e *Engine) commentsApplicable(r commentsRefresh) bool {
	if e.commentsGen[r.postID] != r.gen || !e.live(r.sessionGen) {
		return false
	}
	topic := realtime.CommentsTopic(r.postID)
	if !e.isWanted(topic) {
		return false
	}
	if r.scopeID == 0 {
		// Loaded without a subscription; the list may go stale
		return true
	}
	current, ok := e.subs.Current(topic)
	return ok && current == r.scopeID
}

func (e *Engine) fetchComments(ctx context.Context, postID string) ([]models.Comment, error) {
	if _, err := e.session.Check(); err != nil {
		return nil, err
	}
	comments, err := e.store.ListComments(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	return comments, nil
}

// loadComments replaces the comment list of a post with a fresh fetch,
// keeping comments still being created
func (e *Engine) loadComments(ctx context.Context, postID string) ([]models.Comment, error) {
	var r commentsRefresh
	if err := e.do(func() error {
		r = e.beginCommentsRefresh(postID)
		return nil
	}); err != nil {
		return nil, err
	}

	comments, err := e.fetchComments(ctx, postID)
	if err != nil {
		e.failSession(err)
		return nil, err
	}

	err = e.do(func() error {
		if !e.commentsApplicable(r) {
			e.logger.Debug("Discarding superseded comments refresh",
				zap.String("post_id", postID), zap.Uint64("gen", r.gen))
			return nil
		}
		for _, c := range e.cache.GetComments(postID) {
			if _, pending := e.pendingComments[c.ID]; pending {
				comments = append(comments, c)
			}
		}
		e.cache.ReplaceComments(postID, comments)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.cache.GetComments(postID), nil
}

// refetchComments merges a fresh fetch into the comment list of a post.
// Loop only; the fetch runs in the background.
func (e *Engine) refetchComments(postID string) {
	r := e.beginCommentsRefresh(postID)
	go func() {
		comments, err := e.fetchComments(e.ctx, postID)
		if err != nil {
			if e.ctx.Err() == nil {
				e.logger.Warn("Comments refetch failed", zap.String("post_id", postID), zap.Error(err))
				e.failSession(err)
			}
			return
		}
		e.post(func() {
			if !e.commentsApplicable(r) {
				return
			}
			for _, c := range comments {
				e.cache.UpsertComment(c)
			}
		})
	}()
}
