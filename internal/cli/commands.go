package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/feedline/feedsync/internal/api"
	"github.com/feedline/feedsync/internal/models"
)

// NewPostsCommand creates the posts command.
func NewPostsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "posts",
		Short:         "List the feed, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var posts []models.Post
			if err := opts.client().Call(cmd.Context(), "feed.list_posts", nil, &posts); err != nil {
				return callError("feed.list_posts", err)
			}
			return opts.output(cmd).Success(posts, func(w io.Writer) {
				if len(posts) == 0 {
					fmt.Fprintln(w, "No posts")
				}
				for _, p := range posts {
					writePost(w, p)
				}
			})
		},
	}
}

// NewRefreshCommand creates the refresh command.
func NewRefreshCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "refresh",
		Short:         "Reload the feed and reopen dropped subscriptions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var posts []models.Post
			if err := opts.client().Call(cmd.Context(), "feed.refresh", nil, &posts); err != nil {
				return callError("feed.refresh", err)
			}
			return opts.output(cmd).Success(posts, func(w io.Writer) {
				fmt.Fprintf(w, "Refreshed %d posts\n", len(posts))
			})
		},
	}
}

// NewCommentsCommand creates the comments command.
func NewCommentsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "comments <post-id>",
		Short:         "Open a post's comments and list them, oldest first",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var result api.CommentsResult
			params := api.PostIDParams{PostID: args[0]}
			if err := opts.client().Call(cmd.Context(), "feed.open_comments", params, &result); err != nil {
				return callError("feed.open_comments", err)
			}
			return opts.output(cmd).Success(result, func(w io.Writer) {
				if len(result.Comments) == 0 {
					fmt.Fprintln(w, "No comments")
				}
				for _, c := range result.Comments {
					writeComment(w, c)
				}
			})
		},
	}
}

// PostOptions holds flags for the post command.
type PostOptions struct {
	*RootOptions
	Image string
}

// NewPostCommand creates the post command.
func NewPostCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PostOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "post <content>",
		Short: "Publish a post",
		Long: `Publish a post, optionally with an image.

Example:
  feedctl post "sunset from the pier" --image ./pier.jpg`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := api.CreatePostParams{Content: args[0]}
			if opts.Image != "" {
				data, err := os.ReadFile(opts.Image)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "cannot read image", Err: err}
				}
				params.Image = &api.ImageParams{Name: filepath.Base(opts.Image), Data: data}
			}

			var post models.Post
			if err := opts.client().Call(cmd.Context(), "feed.create_post", params, &post); err != nil {
				return callError("feed.create_post", err)
			}
			return opts.output(cmd).Success(post, func(w io.Writer) {
				writePost(w, post)
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Image, "image", "i", "", "path of an image to attach")

	return cmd
}

// NewEditCommand creates the edit command.
func NewEditCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "edit <post-id> <content>",
		Short:         "Replace the content of one of your posts",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var post models.Post
			params := api.EditPostParams{PostID: args[0], Content: args[1]}
			if err := opts.client().Call(cmd.Context(), "feed.edit_post", params, &post); err != nil {
				return callError("feed.edit_post", err)
			}
			return opts.output(cmd).Success(post, func(w io.Writer) {
				writePost(w, post)
			})
		},
	}
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <post-id>",
		Short:         "Delete one of your posts",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := api.PostIDParams{PostID: args[0]}
			if err := opts.client().Call(cmd.Context(), "feed.delete_post", params, nil); err != nil {
				return callError("feed.delete_post", err)
			}
			return opts.output(cmd).Success(params, func(w io.Writer) {
				fmt.Fprintf(w, "Deleted %s\n", args[0])
			})
		},
	}
}

// NewLikeCommand creates the like command.
func NewLikeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "like <post-id>",
		Short:         "Like a post, or unlike it if you already do",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var post models.Post
			params := api.PostIDParams{PostID: args[0]}
			if err := opts.client().Call(cmd.Context(), "feed.toggle_like", params, &post); err != nil {
				return callError("feed.toggle_like", err)
			}
			return opts.output(cmd).Success(post, func(w io.Writer) {
				verb := "Unliked"
				if post.LikedByMe {
					verb = "Liked"
				}
				fmt.Fprintf(w, "%s %s (%d likes)\n", verb, post.ID, post.LikesCount)
			})
		},
	}
}

// NewCommentCommand creates the comment command.
func NewCommentCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "comment <post-id> <content>",
		Short:         "Comment on a post",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var comment models.Comment
			params := api.CreateCommentParams{PostID: args[0], Content: args[1]}
			if err := opts.client().Call(cmd.Context(), "feed.create_comment", params, &comment); err != nil {
				return callError("feed.create_comment", err)
			}
			return opts.output(cmd).Success(comment, func(w io.Writer) {
				writeComment(w, comment)
			})
		},
	}
}

// ProfileOptions holds flags for the profile command.
type ProfileOptions struct {
	*RootOptions
	Username string
	FullName string
	Bio      string
	Avatar   string
}

// NewProfileCommand creates the profile command.
func NewProfileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProfileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Edit your profile",
		Long: `Edit your profile. Only the flags given are changed; an empty
--full-name or --bio clears it.

Example:
  feedctl profile --full-name "Alice Liddell" --avatar ./me.png`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var params api.UpdateProfileParams
			flags := cmd.Flags()
			if flags.Changed("username") {
				params.Username = &opts.Username
			}
			if flags.Changed("full-name") {
				params.FullName = &opts.FullName
			}
			if flags.Changed("bio") {
				params.Bio = &opts.Bio
			}
			if opts.Avatar != "" {
				data, err := os.ReadFile(opts.Avatar)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "cannot read avatar", Err: err}
				}
				params.Avatar = &api.ImageParams{Name: filepath.Base(opts.Avatar), Data: data}
			}

			var profile models.Profile
			if err := opts.client().Call(cmd.Context(), "session.update_profile", params, &profile); err != nil {
				return callError("session.update_profile", err)
			}
			return opts.output(cmd).Success(profile, func(w io.Writer) {
				author := profile.Author(profile.ID)
				fmt.Fprintf(w, "Updated @%s (%s)\n", author.Handle, author.DisplayName)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Username, "username", "", "new username")
	cmd.Flags().StringVar(&opts.FullName, "full-name", "", "new display name")
	cmd.Flags().StringVar(&opts.Bio, "bio", "", "new bio")
	cmd.Flags().StringVar(&opts.Avatar, "avatar", "", "path of a new avatar image")

	return cmd
}

// NewSignOutCommand creates the signout command.
func NewSignOutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "signout",
		Short:         "End the server's session",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Call(cmd.Context(), "session.sign_out", nil, nil); err != nil {
				return callError("session.sign_out", err)
			}
			return opts.output(cmd).Success(true, func(w io.Writer) {
				fmt.Fprintln(w, "Signed out")
			})
		},
	}
}
