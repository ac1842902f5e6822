package models

import "time"

// Like marks that an actor liked a post. At most one row exists per
// (user_id, post_id).
type Like struct {
	ID        string    `gorm:"primaryKey;type:varchar(36);column:id" json:"id"`
	UserID    string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_likes_user_post;column:user_id" json:"user_id"`
	PostID    string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_likes_user_post;index;column:post_id" json:"post_id"`
	CreatedAt time.Time `gorm:"not null;column:created_at" json:"created_at"`
}

// TableName specifies the table name for Like
func (Like) TableName() string {
	return "likes"
}
