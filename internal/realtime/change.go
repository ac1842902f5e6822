// Package realtime carries row change notifications from the remote store to
// the feed engine.
//
// A Topic names one logical subscription: every row of a table, or the rows
// of a table belonging to one post. Transports deliver raw Change values per
// topic in commit order; Decode turns them into typed events and rejects
// payloads that lack the fields the reconciliation policy depends on.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ChangeType is the kind of row mutation a change describes
type ChangeType string

const (
	Insert ChangeType = "INSERT"
	Update ChangeType = "UPDATE"
	Delete ChangeType = "DELETE"
)

// Valid reports whether t is a known change type
func (t ChangeType) Valid() bool {
	return t == Insert || t == Update || t == Delete
}

// Table names a replicated table
type Table string

const (
	TablePosts    Table = "posts"
	TableLikes    Table = "likes"
	TableComments Table = "comments"
)

// Change is the wire shape of a row change notification
type Change struct {
	Type            ChangeType      `json:"type"`
	Table           Table           `json:"table"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// NewChange marshals the before/after rows of a mutation into a Change.
// Either row may be nil.
func NewChange(typ ChangeType, table Table, record, oldRecord interface{}) (Change, error) {
	change := Change{Type: typ, Table: table, CommitTimestamp: time.Now().UTC()}
	if record != nil {
		data, err := json.Marshal(record)
		if err != nil {
			return Change{}, fmt.Errorf("failed to marshal record: %w", err)
		}
		change.Record = data
	}
	if oldRecord != nil {
		data, err := json.Marshal(oldRecord)
		if err != nil {
			return Change{}, fmt.Errorf("failed to marshal old record: %w", err)
		}
		change.OldRecord = data
	}
	return change, nil
}

// row returns the record that identifies the changed row: the new record for
// inserts and updates, the old record for deletes.
func (c Change) row() json.RawMessage {
	if c.Type == Delete || len(c.Record) == 0 {
		return c.OldRecord
	}
	return c.Record
}

// postID extracts the owning post id of a like or comment row, or the id of a
// post row.
func (c Change) postID() string {
	var row struct {
		ID     string `json:"id"`
		PostID string `json:"post_id"`
	}
	if err := json.Unmarshal(c.row(), &row); err != nil {
		return ""
	}
	if c.Table == TablePosts {
		return row.ID
	}
	return row.PostID
}

// Topic identifies a subscription scope: a table, optionally filtered to the
// rows of one post.
type Topic struct {
	Table  Table
	PostID string
}

// PostsTopic is the scope of every post
func PostsTopic() Topic {
	return Topic{Table: TablePosts}
}

// LikesTopic is the scope of the likes of one post
func LikesTopic(postID string) Topic {
	return Topic{Table: TableLikes, PostID: postID}
}

// CommentsTopic is the scope of the comments of one post
func CommentsTopic(postID string) Topic {
	return Topic{Table: TableComments, PostID: postID}
}

// String renders the topic in the store's filter syntax
func (t Topic) String() string {
	if t.PostID == "" {
		return string(t.Table)
	}
	return fmt.Sprintf("%s:post_id=eq.%s", t.Table, t.PostID)
}

// Channel returns the pub/sub channel name for the topic
func (t Topic) Channel(prefix string) string {
	if prefix == "" {
		return t.String()
	}
	return prefix + ":" + t.String()
}

// ParseTopic is the inverse of Topic.String
func ParseTopic(s string) (Topic, error) {
	table, filter, found := strings.Cut(s, ":")
	topic := Topic{Table: Table(table)}
	switch topic.Table {
	case TablePosts, TableLikes, TableComments:
	default:
		return Topic{}, fmt.Errorf("unknown table in topic %q", s)
	}
	if !found {
		return topic, nil
	}
	postID, ok := strings.CutPrefix(filter, "post_id=eq.")
	if !ok || postID == "" {
		return Topic{}, fmt.Errorf("unsupported filter in topic %q", s)
	}
	if topic.Table == TablePosts {
		return Topic{}, fmt.Errorf("posts topic does not take a filter: %q", s)
	}
	topic.PostID = postID
	return topic, nil
}

// Matches reports whether a change belongs to the topic
func (t Topic) Matches(c Change) bool {
	if c.Table != t.Table {
		return false
	}
	if t.PostID == "" {
		return true
	}
	return c.postID() == t.PostID
}

// TopicsFor lists every topic a change is delivered on
func TopicsFor(c Change) []Topic {
	topics := []Topic{{Table: c.Table}}
	if c.Table != TablePosts {
		if postID := c.postID(); postID != "" {
			topics = append(topics, Topic{Table: c.Table, PostID: postID})
		}
	}
	return topics
}
