package db

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/feedline/feedsync/internal/models"
)

// Repository provides database access methods
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Transaction runs fn with a repository bound to one transaction
func (r *Repository) Transaction(ctx context.Context, fn func(tx *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
}

// Posts returns the post repository
func (r *Repository) Posts() *PostRepository { return &PostRepository{Repository: r} }

// Likes returns the like repository
func (r *Repository) Likes() *LikeRepository { return &LikeRepository{Repository: r} }

// Comments returns the comment repository
func (r *Repository) Comments() *CommentRepository { return &CommentRepository{Repository: r} }

// Profiles returns the profile repository
func (r *Repository) Profiles() *ProfileRepository { return &ProfileRepository{Repository: r} }

// PostRepository provides post-related database operations
type PostRepository struct {
	*Repository
}

// GetByID retrieves a post by ID
func (r *PostRepository) GetByID(ctx context.Context, id string) (*models.Post, error) {
	var post models.Post
	if err := r.db.WithContext(ctx).Preload("Profile").First(&post, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &post, nil
}

// List retrieves every post, newest first
func (r *PostRepository) List(ctx context.Context) ([]models.Post, error) {
	var posts []models.Post
	if err := r.db.WithContext(ctx).
		Preload("Profile").
		Order("created_at DESC").
		Order("id DESC").
		Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

// Create creates a new post
func (r *PostRepository) Create(ctx context.Context, post *models.Post) error {
	return r.db.WithContext(ctx).Omit("Profile").Create(post).Error
}

// UpdateContent replaces the content of a post
func (r *PostRepository) UpdateContent(ctx context.Context, post *models.Post, content string) error {
	return r.db.WithContext(ctx).Model(post).Update("content", content).Error
}

// AdjustLikes adds delta to a post's like count, floored at zero
func (r *PostRepository) AdjustLikes(ctx context.Context, id string, delta int) error {
	return r.adjust(ctx, id, "likes_count", delta)
}

// AdjustComments adds delta to a post's comment count, floored at zero
func (r *PostRepository) AdjustComments(ctx context.Context, id string, delta int) error {
	return r.adjust(ctx, id, "comments_count", delta)
}

func (r *PostRepository) adjust(ctx context.Context, id, column string, delta int) error {
	// UpdateColumn leaves updated_at alone: counters are not edits
	expr := gorm.Expr("CASE WHEN "+column+" + ? < 0 THEN 0 ELSE "+column+" + ? END", delta, delta)
	return r.db.WithContext(ctx).
		Model(&models.Post{}).
		Where("id = ?", id).
		UpdateColumn(column, expr).Error
}

// Delete removes a post
func (r *PostRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&models.Post{}, "id = ?", id).Error
}

// LikeRepository provides like-related database operations
type LikeRepository struct {
	*Repository
}

// Get retrieves the like of an actor on a post
func (r *LikeRepository) Get(ctx context.Context, userID, postID string) (*models.Like, error) {
	var like models.Like
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND post_id = ?", userID, postID).
		First(&like).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &like, nil
}

// Create creates a new like
func (r *LikeRepository) Create(ctx context.Context, like *models.Like) error {
	return r.db.WithContext(ctx).Create(like).Error
}

// Delete removes a like
func (r *LikeRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&models.Like{}, "id = ?", id).Error
}

// DeleteByPost removes every like of a post
func (r *LikeRepository) DeleteByPost(ctx context.Context, postID string) error {
	return r.db.WithContext(ctx).Delete(&models.Like{}, "post_id = ?", postID).Error
}

// PostIDsByUser returns which of postIDs the actor has liked
func (r *LikeRepository) PostIDsByUser(ctx context.Context, userID string, postIDs []string) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).
		Model(&models.Like{}).
		Where("user_id = ? AND post_id IN ?", userID, postIDs).
		Pluck("post_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// CountByPost counts the likes of a post
func (r *LikeRepository) CountByPost(ctx context.Context, postID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Like{}).Where("post_id = ?", postID).Count(&count).Error
	return count, err
}

// CommentRepository provides comment-related database operations
type CommentRepository struct {
	*Repository
}

// ListByPost retrieves the comments of a post, oldest first
func (r *CommentRepository) ListByPost(ctx context.Context, postID string) ([]models.Comment, error) {
	var comments []models.Comment
	if err := r.db.WithContext(ctx).
		Preload("Profile").
		Where("post_id = ?", postID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&comments).Error; err != nil {
		return nil, err
	}
	return comments, nil
}

// Create creates a new comment
func (r *CommentRepository) Create(ctx context.Context, comment *models.Comment) error {
	return r.db.WithContext(ctx).Omit("Profile").Create(comment).Error
}

// DeleteByPost removes every comment of a post
func (r *CommentRepository) DeleteByPost(ctx context.Context, postID string) error {
	return r.db.WithContext(ctx).Delete(&models.Comment{}, "post_id = ?", postID).Error
}

// ProfileRepository provides profile-related database operations
type ProfileRepository struct {
	*Repository
}

// GetByID retrieves a profile by ID
func (r *ProfileRepository) GetByID(ctx context.Context, id string) (*models.Profile, error) {
	var profile models.Profile
	if err := r.db.WithContext(ctx).First(&profile, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &profile, nil
}

// Create creates a new profile
func (r *ProfileRepository) Create(ctx context.Context, profile *models.Profile) error {
	return r.db.WithContext(ctx).Create(profile).Error
}

// Update applies column changes to a profile
func (r *ProfileRepository) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&models.Profile{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
