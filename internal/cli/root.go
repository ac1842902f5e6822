// Package cli implements feedctl, a command line client for a running
// feedsync server.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/feedline/feedsync/internal/api"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server string
	Format string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

func defaultServer() string {
	if url := os.Getenv("FEEDSYNC_SERVER_URL"); url != "" {
		return url
	}
	return "http://localhost:8080/"
}

// NewRootCommand creates the root command for feedctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "feedctl",
		Short: "feedctl - talk to a feedsync server",
		Long:  "Read the feed and post, like and comment through a running feedsync server.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Server, "server", "s", defaultServer(), "feedsync server URL")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewPostsCommand(opts))
	cmd.AddCommand(NewCommentsCommand(opts))
	cmd.AddCommand(NewPostCommand(opts))
	cmd.AddCommand(NewEditCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewLikeCommand(opts))
	cmd.AddCommand(NewCommentCommand(opts))
	cmd.AddCommand(NewRefreshCommand(opts))
	cmd.AddCommand(NewProfileCommand(opts))
	cmd.AddCommand(NewSignOutCommand(opts))

	return cmd
}

func (o *RootOptions) client() *api.Client {
	return api.NewClient(o.Server)
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
