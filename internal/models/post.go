package models

import (
	"sort"
	"time"
)

// Post represents a feed post
type Post struct {
	ID            string    `gorm:"primaryKey;type:varchar(36);column:id" json:"id"`
	UserID        string    `gorm:"type:varchar(36);not null;index;column:user_id" json:"user_id"`
	Content       string    `gorm:"type:text;not null;column:content" json:"content"`
	ImageURL      *string   `gorm:"type:varchar(1024);column:image_url" json:"image_url"`
	LikesCount    int64     `gorm:"not null;default:0;column:likes_count" json:"likes_count"`
	CommentsCount int64     `gorm:"not null;default:0;column:comments_count" json:"comments_count"`
	CreatedAt     time.Time `gorm:"not null;index;column:created_at" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null;column:updated_at" json:"updated_at"`

	// Relationships
	Profile *Profile `gorm:"foreignKey:UserID;references:ID" json:"-"`

	// Derived at read time, never stored
	Author    Author `gorm:"-" json:"author"`
	LikedByMe bool   `gorm:"-" json:"liked_by_me"`
}

// TableName specifies the table name for Post
func (Post) TableName() string {
	return "posts"
}

// Clone returns a deep copy safe to hand to readers
func (p Post) Clone() Post {
	if p.ImageURL != nil {
		url := *p.ImageURL
		p.ImageURL = &url
	}
	p.Profile = nil
	return p
}

// ResolveAuthor fills Author from the preloaded profile
func (p *Post) ResolveAuthor() {
	p.Author = p.Profile.Author(p.UserID)
}

// PostBefore reports whether a sorts ahead of b in the feed: newest first,
// ties broken by id.
func PostBefore(a, b *Post) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// SortPosts orders posts newest first
func SortPosts(posts []Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		return PostBefore(&posts[i], &posts[j])
	})
}
