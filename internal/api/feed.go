package api

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/feedline/feedsync/internal/feed"
	"github.com/feedline/feedsync/internal/models"
	"github.com/feedline/feedsync/internal/storage"
)

// FeedAPI exposes the feed engine to a local UI
type FeedAPI struct {
	engine *feed.Engine
	panel  *feed.CommentPanel
}

// NewFeedAPI creates a feed API with its own comment panel
func NewFeedAPI(engine *feed.Engine) *FeedAPI {
	return &FeedAPI{engine: engine, panel: engine.NewCommentPanel()}
}

// PostIDParams names a post
type PostIDParams struct {
	PostID string `json:"post_id"`
}

// ImageParams is an uploaded image. Data is base64 in JSON.
type ImageParams struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// CreatePostParams are the parameters of feed.create_post
type CreatePostParams struct {
	Content string       `json:"content"`
	Image   *ImageParams `json:"image,omitempty"`
}

// EditPostParams are the parameters of feed.edit_post
type EditPostParams struct {
	PostID  string `json:"post_id"`
	Content string `json:"content"`
}

// CreateCommentParams are the parameters of feed.create_comment
type CreateCommentParams struct {
	PostID  string `json:"post_id"`
	Content string `json:"content"`
}

// SignInParams are the parameters of session.sign_in
type SignInParams struct {
	Token string `json:"token"`
}

// UpdateProfileParams are the parameters of session.update_profile. Omitted
// fields are left unchanged; an empty full_name or bio clears it.
type UpdateProfileParams struct {
	Username *string      `json:"username,omitempty"`
	FullName *string      `json:"full_name,omitempty"`
	Bio      *string      `json:"bio,omitempty"`
	Avatar   *ImageParams `json:"avatar,omitempty"`
}

// CommentsResult is returned by the comment methods
type CommentsResult struct {
	PostID   string           `json:"post_id"`
	Comments []models.Comment `json:"comments"`
}

// bind decodes object params. Empty params decode to the zero value.
func bind(params json.RawMessage, dst interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return invalidParams("invalid parameters format: %v", err)
	}
	return nil
}

func bindPostID(params json.RawMessage) (string, error) {
	var p PostIDParams
	if err := bind(params, &p); err != nil {
		return "", err
	}
	if strings.TrimSpace(p.PostID) == "" {
		return "", invalidParams("missing required parameter: post_id")
	}
	return p.PostID, nil
}

// ListPosts handles feed.list_posts
func (a *FeedAPI) ListPosts(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	return a.engine.Cache().ListPosts(), nil
}

// GetComments handles feed.get_comments. Comments are cached only for the
// post whose comments are open.
func (a *FeedAPI) GetComments(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	postID, err := bindPostID(params)
	if err != nil {
		return nil, err
	}
	return CommentsResult{PostID: postID, Comments: a.engine.Cache().GetComments(postID)}, nil
}

// OpenComments handles feed.open_comments
func (a *FeedAPI) OpenComments(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	postID, err := bindPostID(params)
	if err != nil {
		return nil, err
	}
	comments, err := a.panel.Show(ctx.Request.Context(), postID)
	if err != nil {
		return nil, err
	}
	return CommentsResult{PostID: postID, Comments: comments}, nil
}

// CloseComments handles feed.close_comments
func (a *FeedAPI) CloseComments(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	a.panel.Close()
	return true, nil
}

// MountPost handles feed.mount_post
func (a *FeedAPI) MountPost(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	postID, err := bindPostID(params)
	if err != nil {
		return nil, err
	}
	if err := a.engine.MountPost(ctx.Request.Context(), postID); err != nil {
		return nil, err
	}
	return true, nil
}

// UnmountPost handles feed.unmount_post
func (a *FeedAPI) UnmountPost(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	postID, err := bindPostID(params)
	if err != nil {
		return nil, err
	}
	a.engine.UnmountPost(postID)
	return true, nil
}

// CreatePost handles feed.create_post
func (a *FeedAPI) CreatePost(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p CreatePostParams
	if err := bind(params, &p); err != nil {
		return nil, err
	}
	draft := feed.PostDraft{Content: p.Content}
	if p.Image != nil {
		draft.Image = &storage.Image{Name: p.Image.Name, Data: p.Image.Data}
	}
	return a.engine.CreatePost(ctx.Request.Context(), draft)
}

// EditPost handles feed.edit_post
func (a *FeedAPI) EditPost(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p EditPostParams
	if err := bind(params, &p); err != nil {
		return nil, err
	}
	if p.PostID == "" {
		return nil, invalidParams("missing required parameter: post_id")
	}
	return a.engine.EditPost(ctx.Request.Context(), p.PostID, p.Content)
}

// DeletePost handles feed.delete_post
func (a *FeedAPI) DeletePost(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	postID, err := bindPostID(params)
	if err != nil {
		return nil, err
	}
	if err := a.engine.DeletePost(ctx.Request.Context(), postID); err != nil {
		return nil, err
	}
	return true, nil
}

// ToggleLike handles feed.toggle_like
func (a *FeedAPI) ToggleLike(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	postID, err := bindPostID(params)
	if err != nil {
		return nil, err
	}
	return a.engine.ToggleLike(ctx.Request.Context(), postID)
}

// CreateComment handles feed.create_comment
func (a *FeedAPI) CreateComment(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p CreateCommentParams
	if err := bind(params, &p); err != nil {
		return nil, err
	}
	if p.PostID == "" {
		return nil, invalidParams("missing required parameter: post_id")
	}
	return a.engine.CreateComment(ctx.Request.Context(), p.PostID, p.Content)
}

// Refresh handles feed.refresh
func (a *FeedAPI) Refresh(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	if err := a.engine.Refresh(ctx.Request.Context()); err != nil {
		return nil, err
	}
	return a.engine.Cache().ListPosts(), nil
}

// SignIn handles session.sign_in
func (a *FeedAPI) SignIn(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p SignInParams
	if err := bind(params, &p); err != nil {
		return nil, err
	}
	if p.Token == "" {
		return nil, invalidParams("missing required parameter: token")
	}
	a.panel.Close()
	if err := a.engine.SignIn(ctx.Request.Context(), p.Token); err != nil {
		return nil, err
	}
	return a.engine.MountFeed(ctx.Request.Context())
}

// SignOut handles session.sign_out
func (a *FeedAPI) SignOut(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	a.panel.Close()
	a.engine.SignOut()
	return true, nil
}

// Session handles session.get
func (a *FeedAPI) Session(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	sess := a.engine.Session()
	return gin.H{
		"state":    sess.State().String(),
		"actor_id": sess.ActorID(),
	}, nil
}

// UpdateProfile handles session.update_profile
func (a *FeedAPI) UpdateProfile(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p UpdateProfileParams
	if err := bind(params, &p); err != nil {
		return nil, err
	}
	draft := feed.ProfileDraft{Username: p.Username, FullName: p.FullName, Bio: p.Bio}
	if p.Avatar != nil {
		draft.Avatar = &storage.Image{Name: p.Avatar.Name, Data: p.Avatar.Data}
	}
	return a.engine.UpdateProfile(ctx.Request.Context(), draft)
}
