package feed

import (
	"context"
	"sync"

	"github.com/feedline/feedsync/internal/models"
	"github.com/feedline/feedsync/internal/realtime"
)

// CommentPanel shows the comments of at most one post at a time. Showing
// another post closes the previous post's comment scope first.
type CommentPanel struct {
	e *Engine

	mu     sync.Mutex
	postID string
}

// NewCommentPanel creates a closed panel
func (e *Engine) NewCommentPanel() *CommentPanel {
	return &CommentPanel{e: e}
}

// Show opens the comment scope of postID and loads its comments
func (p *CommentPanel) Show(ctx context.Context, postID string) ([]models.Comment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.e.checkSession(); err != nil {
		return nil, err
	}
	if p.postID != "" && p.postID != postID {
		p.e.closeComments(p.postID)
		p.postID = ""
	}

	topic := realtime.CommentsTopic(postID)
	p.postID = postID
	p.e.want(topic)
	p.e.openScope(ctx, topic)
	return p.e.loadComments(ctx, postID)
}

// Close closes the panel's comment scope
func (p *CommentPanel) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.postID != "" {
		p.e.closeComments(p.postID)
		p.postID = ""
	}
}

// PostID returns the post being shown, or "" when closed
func (p *CommentPanel) PostID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.postID
}

// Comments returns the cached comments of the post being shown
func (p *CommentPanel) Comments() []models.Comment {
	postID := p.PostID()
	if postID == "" {
		return nil
	}
	return p.e.cache.GetComments(postID)
}

// closeComments releases a comment scope and forgets its list. Events still
// queued for the released subscription are discarded on delivery.
func (e *Engine) closeComments(postID string) {
	topic := realtime.CommentsTopic(postID)
	e.unwant(topic)
	e.subs.Close(topic)
	e.post(func() {
		if e.isWanted(topic) {
			return
		}
		e.cache.DropComments(postID)
		delete(e.counted, postID)
	})
}
