package models

import (
	"sort"
	"time"
)

// Comment represents a comment on a post
type Comment struct {
	ID        string    `gorm:"primaryKey;type:varchar(36);column:id" json:"id"`
	UserID    string    `gorm:"type:varchar(36);not null;index;column:user_id" json:"user_id"`
	PostID    string    `gorm:"type:varchar(36);not null;index;column:post_id" json:"post_id"`
	Content   string    `gorm:"type:text;not null;column:content" json:"content"`
	CreatedAt time.Time `gorm:"not null;column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;column:updated_at" json:"updated_at"`

	// Relationships
	Profile *Profile `gorm:"foreignKey:UserID;references:ID" json:"-"`

	Author Author `gorm:"-" json:"author"`
}

// TableName specifies the table name for Comment
func (Comment) TableName() string {
	return "comments"
}

// Clone returns a copy detached from any preloaded relationship
func (c Comment) Clone() Comment {
	c.Profile = nil
	return c
}

// ResolveAuthor fills Author from the preloaded profile
func (c *Comment) ResolveAuthor() {
	c.Author = c.Profile.Author(c.UserID)
}

// SortComments orders comments oldest first, ties broken by id
func SortComments(comments []Comment) {
	sort.SliceStable(comments, func(i, j int) bool {
		a, b := &comments[i], &comments[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
