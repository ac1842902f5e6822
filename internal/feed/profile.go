package feed

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/feedline/feedsync/internal/models"
	"github.com/feedline/feedsync/internal/realtime"
	"github.com/feedline/feedsync/internal/storage"
)

const maxUsernameLength = 64

// ProfileDraft edits the actor's profile. Nil fields are left unchanged; an
// empty FullName or Bio clears it.
type ProfileDraft struct {
	Username *string
	FullName *string
	Bio      *string
	Avatar   *storage.Image
}

func (d ProfileDraft) normalize() (models.ProfileUpdate, error) {
	var update models.ProfileUpdate
	if d.Username != nil {
		username := strings.TrimSpace(*d.Username)
		if username == "" {
			return update, &ValidationError{Field: "username", Reason: "must not be empty"}
		}
		if utf8.RuneCountInString(username) > maxUsernameLength {
			return update, &ValidationError{Field: "username", Reason: "must be at most 64 characters"}
		}
		update.Username = &username
	}
	if d.FullName != nil {
		fullName := strings.TrimSpace(*d.FullName)
		update.FullName = &fullName
	}
	if d.Bio != nil {
		bio := strings.TrimSpace(*d.Bio)
		update.Bio = &bio
	}
	if update.Empty() && d.Avatar == nil {
		return update, &ValidationError{Field: "profile", Reason: "nothing to update"}
	}
	return update, nil
}

// UpdateProfile edits the actor's profile. A new avatar is uploaded first.
// On success the author snapshot used for new rows is replaced and the feed
// and open comment lists are reloaded so existing rows show the new identity.
func (e *Engine) UpdateProfile(ctx context.Context, draft ProfileDraft) (models.Profile, error) {
	update, err := draft.normalize()
	if err != nil {
		return models.Profile{}, err
	}
	if draft.Avatar != nil && e.uploader == nil {
		return models.Profile{}, &ValidationError{Field: "avatar", Reason: ErrUploadsDisabled.Error(), Err: ErrUploadsDisabled}
	}

	actor, err := e.checkSession()
	if err != nil {
		return models.Profile{}, err
	}
	gen := e.session.Generation()
	remoteCtx := context.WithoutCancel(ctx)

	var avatarURL *string
	if draft.Avatar != nil {
		url, err := e.uploader.UploadImage(remoteCtx, *draft.Avatar)
		if err != nil {
			if errors.Is(err, storage.ErrInvalidImage) {
				return models.Profile{}, &ValidationError{Field: "avatar", Reason: err.Error(), Err: err}
			}
			return models.Profile{}, e.remoteFailed("upload_image", err)
		}
		avatarURL = &url
		update.AvatarURL = avatarURL
	}

	profile, err := e.store.UpdateProfile(remoteCtx, actor, update)
	if err != nil {
		e.discardImage(avatarURL)
		return models.Profile{}, e.remoteFailed("update_profile", err)
	}

	author := profile.Author(actor)
	err = e.do(func() error {
		if !e.live(gen) {
			return ErrSessionChanged
		}
		e.author = author
		e.authorGen = gen
		return nil
	})
	if err != nil {
		return models.Profile{}, err
	}

	var commentPosts []string
	for _, topic := range e.wantedTopics() {
		if topic.Table == realtime.TableComments {
			commentPosts = append(commentPosts, topic.PostID)
		}
	}
	if err := e.reload(ctx, commentPosts); err != nil {
		// The profile is stored; stale rows catch up on the next refresh
		e.logger.Warn("Reload after profile update failed", zap.Error(err))
	}
	return *profile, nil
}
