package feed

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedline/feedsync/internal/models"
	"github.com/feedline/feedsync/internal/storage"
)

func strPtr(s string) *string { return &s }

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.addPost(models.Post{ID: "p1", UserID: "alice", Content: "mine"})
	store.addComment(models.Comment{ID: "c1", UserID: "alice", PostID: "p1", Content: "hi"})
	uploader := &fakeUploader{}
	e, _ := startEngine(t, store, nil, WithUploader(uploader))
	_, err := e.MountFeed(ctx)
	require.NoError(t, err)
	panel := e.NewCommentPanel()
	_, err = panel.Show(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "alice", cachedPost(t, e, "p1").Author.DisplayName)

	profile, err := e.UpdateProfile(ctx, ProfileDraft{
		FullName: strPtr("  Alice Liddell "),
		Bio:      strPtr(""),
		Avatar:   &storage.Image{Name: "me.png", Data: []byte("png")},
	})
	require.NoError(t, err)
	require.NotNil(t, profile.FullName)
	assert.Equal(t, "Alice Liddell", *profile.FullName)
	assert.Nil(t, profile.Bio)
	require.NotNil(t, profile.AvatarURL)
	assert.Equal(t, "https://cdn.test/me.png", *profile.AvatarURL)

	// Existing rows and new ones carry the new identity
	p := cachedPost(t, e, "p1")
	assert.Equal(t, "Alice Liddell", p.Author.DisplayName)
	require.NotNil(t, p.Author.AvatarURL)
	comments := panel.Comments()
	require.Len(t, comments, 1)
	assert.Equal(t, "Alice Liddell", comments[0].Author.DisplayName)

	created, err := e.CreatePost(ctx, PostDraft{Content: "new look"})
	require.NoError(t, err)
	assert.Equal(t, "Alice Liddell", created.Author.DisplayName)
	assert.Equal(t, 1, store.callCount("update_profile"))
}

func TestUpdateProfileValidation(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	e, _ := startEngine(t, store, nil)

	tests := []struct {
		name  string
		draft ProfileDraft
	}{
		{"nothing to update", ProfileDraft{}},
		{"blank username", ProfileDraft{Username: strPtr("   ")}},
		{"long username", ProfileDraft{Username: strPtr(strings.Repeat("a", 65))}},
		{"avatar without uploads", ProfileDraft{Avatar: &storage.Image{Name: "me.png", Data: []byte("png")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.UpdateProfile(ctx, tt.draft)
			assert.True(t, IsValidation(err))
		})
	}
	assert.Equal(t, 0, store.callCount("update_profile"))
}

func TestUpdateProfileFailureRemovesAvatar(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	uploader := &fakeUploader{}
	e, _ := startEngine(t, store, nil, WithUploader(uploader))
	_, err := e.MountFeed(ctx)
	require.NoError(t, err)

	store.setHook(failOn("update_profile", errNetwork))
	_, err = e.UpdateProfile(ctx, ProfileDraft{
		Username: strPtr("alice2"),
		Avatar:   &storage.Image{Name: "me.png", Data: []byte("png")},
	})
	require.ErrorIs(t, err, errNetwork)

	assert.Eventually(t, func() bool { return len(uploader.deletedURLs()) == 1 }, waitFor, tick)

	profile, err := store.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", profile.Username)
}
