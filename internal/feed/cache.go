package feed

import (
	"sync"

	"github.com/feedline/feedsync/internal/models"
)

// Cache is the aggregate feed state the UI reads: the post list with each
// post's counters and liked-by-me flag, and the comment lists of posts whose
// comment scope is open.
//
// Only the engine loop mutates the cache. Readers on any goroutine receive
// copies. Upserts are idempotent by id; count adjustments are not and are
// floored at zero.
type Cache struct {
	mu       sync.RWMutex
	posts    map[string]*models.Post
	comments map[string][]models.Comment
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{
		posts:    make(map[string]*models.Post),
		comments: make(map[string][]models.Comment),
	}
}

// ListPosts returns every post, newest first
func (c *Cache) ListPosts() []models.Post {
	c.mu.RLock()
	defer c.mu.RUnlock()

	posts := make([]models.Post, 0, len(c.posts))
	for _, p := range c.posts {
		posts = append(posts, p.Clone())
	}
	models.SortPosts(posts)
	return posts
}

// Post returns one post
func (c *Cache) Post(id string) (models.Post, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.posts[id]
	if !ok {
		return models.Post{}, false
	}
	return p.Clone(), true
}

// GetComments returns the comments of a post, oldest first
func (c *Cache) GetComments(postID string) []models.Comment {
	c.mu.RLock()
	defer c.mu.RUnlock()

	src := c.comments[postID]
	comments := make([]models.Comment, len(src))
	for i := range src {
		comments[i] = src[i].Clone()
	}
	return comments
}

// HasComment reports whether a comment is cached
func (c *Cache) HasComment(postID, id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return indexOfComment(c.comments[postID], id) >= 0
}

// UpsertPost inserts or replaces a post by id
func (c *Cache) UpsertPost(p models.Post) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := p.Clone()
	c.posts[p.ID] = &stored
}

// RemovePost drops a post. Its comment list stays until the comment scope
// closes.
func (c *Cache) RemovePost(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.posts[id]; !ok {
		return false
	}
	delete(c.posts, id)
	return true
}

// ReplacePostID swaps a placeholder post for its stored version
func (c *Cache) ReplacePostID(oldID string, p models.Post) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.posts, oldID)
	stored := p.Clone()
	c.posts[p.ID] = &stored
}

// ReplacePosts replaces the whole post collection
func (c *Cache) ReplacePosts(posts []models.Post) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.posts = make(map[string]*models.Post, len(posts))
	for i := range posts {
		stored := posts[i].Clone()
		c.posts[stored.ID] = &stored
	}
}

// AdjustLikeCount adds delta to a post's like count, floored at zero. It
// returns the change actually applied.
func (c *Cache) AdjustLikeCount(postID string, delta int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.posts[postID]
	if !ok {
		return 0, false
	}
	return adjust(&p.LikesCount, delta), true
}

// AdjustCommentCount adds delta to a post's comment count, floored at zero.
// It returns the change actually applied.
func (c *Cache) AdjustCommentCount(postID string, delta int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.posts[postID]
	if !ok {
		return 0, false
	}
	return adjust(&p.CommentsCount, delta), true
}

func adjust(count *int64, delta int64) int64 {
	next := *count + delta
	if next < 0 {
		next = 0
	}
	applied := next - *count
	*count = next
	return applied
}

// SetLikedByMe sets a post's liked-by-me flag and returns the previous value
func (c *Cache) SetLikedByMe(postID string, liked bool) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.posts[postID]
	if !ok {
		return false, false
	}
	prev := p.LikedByMe
	p.LikedByMe = liked
	return prev, true
}

// UpsertComment inserts or replaces a comment by id, keeping the list in
// creation order
func (c *Cache) UpsertComment(comment models.Comment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.comments[comment.PostID]
	stored := comment.Clone()
	if i := indexOfComment(list, comment.ID); i >= 0 {
		list[i] = stored
	} else {
		list = append(list, stored)
	}
	models.SortComments(list)
	c.comments[comment.PostID] = list
}

// RemoveComment drops a comment by id
func (c *Cache) RemoveComment(postID, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.comments[postID]
	i := indexOfComment(list, id)
	if i < 0 {
		return false
	}
	c.comments[postID] = append(list[:i:i], list[i+1:]...)
	return true
}

// ReplaceCommentID swaps a placeholder comment for its stored version
func (c *Cache) ReplaceCommentID(postID, oldID string, comment models.Comment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.comments[postID]
	if i := indexOfComment(list, oldID); i >= 0 {
		list = append(list[:i:i], list[i+1:]...)
	}
	stored := comment.Clone()
	if i := indexOfComment(list, comment.ID); i >= 0 {
		list[i] = stored
	} else {
		list = append(list, stored)
	}
	models.SortComments(list)
	c.comments[postID] = list
}

// ReplaceComments replaces the comment list of a post
func (c *Cache) ReplaceComments(postID string, comments []models.Comment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := make([]models.Comment, len(comments))
	for i := range comments {
		list[i] = comments[i].Clone()
	}
	models.SortComments(list)
	c.comments[postID] = list
}

// DropComments forgets the comment list of a post
func (c *Cache) DropComments(postID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.comments, postID)
}

// Reset clears all state
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.posts = make(map[string]*models.Post)
	c.comments = make(map[string][]models.Comment)
}

// snapshotPost captures a post for rollback
func (c *Cache) snapshotPost(id string) (models.Post, bool) {
	return c.Post(id)
}

// restorePost puts a snapshot back. When the post is still cached, the
// counters and liked-by-me flag keep their live values: those belong to the
// like and comment streams, not to the mutation being undone.
func (c *Cache) restorePost(snap models.Post) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := snap.Clone()
	if live, ok := c.posts[snap.ID]; ok {
		stored.LikesCount = live.LikesCount
		stored.CommentsCount = live.CommentsCount
		stored.LikedByMe = live.LikedByMe
	}
	c.posts[snap.ID] = &stored
}

func indexOfComment(list []models.Comment, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}
