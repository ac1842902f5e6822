package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/feedline/feedsync/internal/models"
)

// ErrInvalidChange is returned by Decode for payloads the engine cannot act on
var ErrInvalidChange = errors.New("invalid change payload")

// Event is a decoded, validated change. Implementations are PostEvent,
// LikeEvent and CommentEvent.
type Event interface {
	Table() Table
	Op() ChangeType
	// ActorID is the identity that owns the changed row
	ActorID() string
	// PostID is the post the change concerns
	PostID() string
}

// PostEvent describes a change to a post row
type PostEvent struct {
	Type   ChangeType
	Post   models.Post
	Before *models.Post
}

func (e PostEvent) Table() Table { return TablePosts }
func (e PostEvent) Op() ChangeType { return e.Type }
func (e PostEvent) ActorID() string { return e.Post.UserID }
func (e PostEvent) PostID() string { return e.Post.ID }

// LikeEvent describes a like being added or removed
type LikeEvent struct {
	Type ChangeType
	Like models.Like
}

func (e LikeEvent) Table() Table { return TableLikes }
func (e LikeEvent) Op() ChangeType { return e.Type }
func (e LikeEvent) ActorID() string { return e.Like.UserID }
func (e LikeEvent) PostID() string { return e.Like.PostID }

// CommentEvent describes a change to a comment row
type CommentEvent struct {
	Type    ChangeType
	Comment models.Comment
}

func (e CommentEvent) Table() Table { return TableComments }
func (e CommentEvent) Op() ChangeType { return e.Type }
func (e CommentEvent) ActorID() string { return e.Comment.UserID }
func (e CommentEvent) PostID() string { return e.Comment.PostID }

func invalid(c Change, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s %s: %s", ErrInvalidChange, c.Table, c.Type, fmt.Sprintf(format, args...))
}

// Decode validates a raw change and converts it into its typed event.
//
// Every event needs the id of its row and the owning actor. Like and comment
// events additionally need their post, which the reconciliation policy uses
// to route the change to its scope.
func Decode(c Change) (Event, error) {
	if !c.Type.Valid() {
		return nil, invalid(c, "unknown change type")
	}
	row := c.row()
	if len(row) == 0 {
		return nil, invalid(c, "missing record")
	}

	switch c.Table {
	case TablePosts:
		var post models.Post
		if err := json.Unmarshal(row, &post); err != nil {
			return nil, invalid(c, "%v", err)
		}
		if post.ID == "" || post.UserID == "" {
			return nil, invalid(c, "post requires id and user_id")
		}
		ev := PostEvent{Type: c.Type, Post: post}
		if c.Type == Update && len(c.OldRecord) > 0 {
			var before models.Post
			if err := json.Unmarshal(c.OldRecord, &before); err == nil {
				ev.Before = &before
			}
		}
		return ev, nil

	case TableLikes:
		var like models.Like
		if err := json.Unmarshal(row, &like); err != nil {
			return nil, invalid(c, "%v", err)
		}
		if like.ID == "" || like.UserID == "" || like.PostID == "" {
			return nil, invalid(c, "like requires id, user_id and post_id")
		}
		return LikeEvent{Type: c.Type, Like: like}, nil

	case TableComments:
		var comment models.Comment
		if err := json.Unmarshal(row, &comment); err != nil {
			return nil, invalid(c, "%v", err)
		}
		if comment.ID == "" || comment.UserID == "" || comment.PostID == "" {
			return nil, invalid(c, "comment requires id, user_id and post_id")
		}
		return CommentEvent{Type: c.Type, Comment: comment}, nil

	default:
		return nil, invalid(c, "unknown table")
	}
}
