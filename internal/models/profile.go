package models

import "time"

// Profile represents an account's public profile
type Profile struct {
	ID        string    `gorm:"primaryKey;type:varchar(36);column:id" json:"id"`
	Username  string    `gorm:"type:varchar(64);not null;uniqueIndex;column:username" json:"username"`
	FullName  *string   `gorm:"type:varchar(255);column:full_name" json:"full_name"`
	AvatarURL *string   `gorm:"type:varchar(1024);column:avatar_url" json:"avatar_url"`
	Bio       *string   `gorm:"type:text;column:bio" json:"bio"`
	CreatedAt time.Time `gorm:"not null;column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;column:updated_at" json:"updated_at"`
}

// TableName specifies the table name for Profile
func (Profile) TableName() string {
	return "profiles"
}

// Author is the display snapshot of a profile attached to posts and comments
type Author struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"name"`
	Handle      string  `json:"username"`
	AvatarURL   *string `json:"avatar"`
}

const (
	unknownDisplayName = "Unknown User"
	unknownHandle      = "unknown"
)

// Author builds the author snapshot for id. A nil profile yields the
// placeholder identity used when the profile row is missing.
func (p *Profile) Author(id string) Author {
	if p == nil {
		return Author{ID: id, DisplayName: unknownDisplayName, Handle: unknownHandle}
	}

	author := Author{ID: p.ID, Handle: p.Username}
	if author.ID == "" {
		author.ID = id
	}
	if p.AvatarURL != nil {
		avatar := *p.AvatarURL
		author.AvatarURL = &avatar
	}

	switch {
	case p.FullName != nil && *p.FullName != "":
		author.DisplayName = *p.FullName
	case p.Username != "":
		author.DisplayName = p.Username
	default:
		author.DisplayName = unknownDisplayName
	}
	if author.Handle == "" {
		author.Handle = unknownHandle
	}
	return author
}

// ProfileUpdate changes some fields of a profile. Nil fields are left
// unchanged. An empty FullName, AvatarURL or Bio clears the column.
type ProfileUpdate struct {
	Username  *string `json:"username,omitempty"`
	FullName  *string `json:"full_name,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
	Bio       *string `json:"bio,omitempty"`
}

// Empty reports whether the update changes nothing
func (u ProfileUpdate) Empty() bool {
	return u.Username == nil && u.FullName == nil && u.AvatarURL == nil && u.Bio == nil
}
