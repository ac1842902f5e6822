package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/feedline/feedsync/internal/api"
	"github.com/feedline/feedsync/internal/models"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // The server rejected the request
	ExitCommandError = 2 // Bad arguments or an unreachable server
)

// ExitError carries the exit code a command should end with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// GetExitCode extracts the exit code from an error.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// callError turns a failed call into an ExitError. Errors the server
// answered with exit with ExitFailure; transport failures with
// ExitCommandError.
func callError(method string, err error) error {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return &ExitError{Code: ExitFailure, Message: method + " rejected", Err: err}
	}
	return &ExitError{Code: ExitCommandError, Message: method + " failed", Err: err}
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the JSON output envelope.
type CLIResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
}

// Success writes data. In text mode render draws it.
func (f *OutputFormatter) Success(data interface{}, render func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	render(f.Writer)
	return nil
}

func writePost(w io.Writer, p models.Post) {
	liked := " "
	if p.LikedByMe {
		liked = "*"
	}
	fmt.Fprintf(w, "%s %s  @%s  likes=%d comments=%d  %s\n",
		liked, p.ID, p.Author.Handle, p.LikesCount, p.CommentsCount, oneLine(p.Content))
	if p.ImageURL != nil {
		fmt.Fprintf(w, "    image: %s\n", *p.ImageURL)
	}
}

func writeComment(w io.Writer, c models.Comment) {
	fmt.Fprintf(w, "%s  @%s  %s\n", c.ID, c.Author.Handle, oneLine(c.Content))
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
