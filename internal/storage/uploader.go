// Package storage uploads post images to an HTTP object store and returns
// their public URLs.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/feedline/feedsync/internal/session"
	"github.com/feedline/feedsync/pkg/config"
	"github.com/feedline/feedsync/pkg/logging"
	"github.com/feedline/feedsync/pkg/telemetry"
)

var (
	// ErrInvalidImage is the parent of every image validation failure
	ErrInvalidImage = errors.New("invalid image")
	// ErrImageTooLarge is returned for images over the size limit
	ErrImageTooLarge = fmt.Errorf("%w: too large", ErrInvalidImage)
	// ErrUnsupportedType is returned for content that is not an allowed image type
	ErrUnsupportedType = fmt.Errorf("%w: unsupported type", ErrInvalidImage)
	// ErrEmptyImage is returned for an image without content
	ErrEmptyImage = fmt.Errorf("%w: empty", ErrInvalidImage)
)

// allowedTypes maps accepted image MIME types to the extension objects are
// stored under
var allowedTypes = map[string]string{
	"image/jpeg":    "jpg",
	"image/png":     "png",
	"image/gif":     "gif",
	"image/webp":    "webp",
	"image/svg+xml": "svg",
}

// Image is an image attached to a new post
type Image struct {
	Name string
	Data []byte
}

// Uploader stores images in one bucket of an object store
type Uploader struct {
	baseURL  string
	bucket   string
	maxBytes int64
	client   *http.Client
	token    func() string
	logger   *zap.Logger
}

// New creates an uploader. token supplies the bearer token for each request.
func New(cfg *config.StorageConfig, token func() string) *Uploader {
	return &Uploader{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		bucket:   cfg.Bucket,
		maxBytes: cfg.MaxImageBytes,
		client:   &http.Client{Timeout: 30 * time.Second},
		token:    token,
		logger:   logging.WithComponent("storage"),
	}
}

// Validate checks an image against the size and type limits and returns its
// detected MIME type and storage extension
func (u *Uploader) Validate(img Image) (string, string, error) {
	if len(img.Data) == 0 {
		return "", "", ErrEmptyImage
	}
	if int64(len(img.Data)) > u.maxBytes {
		return "", "", fmt.Errorf("%w: %d bytes exceeds %d", ErrImageTooLarge, len(img.Data), u.maxBytes)
	}

	detected := mimetype.Detect(img.Data)
	for mime, ext := range allowedTypes {
		if detected.Is(mime) {
			return mime, ext, nil
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrUnsupportedType, detected.String())
}

// ObjectPath is where an upload is stored inside the bucket
func ObjectPath(ext string) string {
	return fmt.Sprintf("posts/%s.%s", uuid.NewString(), ext)
}

// PublicURL is the durable URL of an object
func (u *Uploader) PublicURL(path string) string {
	return fmt.Sprintf("%s/object/public/%s/%s", u.baseURL, u.bucket, path)
}

// UploadImage validates and stores an image and returns its public URL
func (u *Uploader) UploadImage(ctx context.Context, img Image) (url string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "storage.UploadImage")
	defer func() { telemetry.EndSpan(span, err) }()

	mime, ext, err := u.Validate(img)
	if err != nil {
		return "", err
	}

	path := ObjectPath(ext)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/object/%s/%s", u.baseURL, u.bucket, path), bytes.NewReader(img.Data))
	if err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mime)
	req.Header.Set("Cache-Control", "max-age=3600")
	req.Header.Set("X-Upsert", "false")

	if err := u.do(req); err != nil {
		return "", fmt.Errorf("failed to upload image: %w", err)
	}

	u.logger.Debug("Image uploaded", zap.String("path", path), zap.Int("bytes", len(img.Data)))
	return u.PublicURL(path), nil
}

// DeleteImage removes an object previously returned by UploadImage. URLs
// outside the bucket are ignored.
func (u *Uploader) DeleteImage(ctx context.Context, url string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "storage.DeleteImage")
	defer func() { telemetry.EndSpan(span, err) }()

	_, path, found := strings.Cut(url, "/"+u.bucket+"/")
	if !found || path == "" {
		return fmt.Errorf("not an object url: %s", url)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/object/%s/%s", u.baseURL, u.bucket, path), nil)
	if err != nil {
		return fmt.Errorf("failed to build delete request: %w", err)
	}
	if err := u.do(req); err != nil {
		return fmt.Errorf("failed to delete image: %w", err)
	}
	return nil
}

func (u *Uploader) do(req *http.Request) error {
	if u.token != nil {
		if token := u.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", session.ErrUnauthorized, strings.TrimSpace(string(body)))
	}
	return fmt.Errorf("object store returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
