package image

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/manash/imgrelay/internal/security"
	"github.com/manash/imgrelay/pkg/models"
)

// Resolver turns inbound attachments into images an edit backend can consume.
// Backends that accept references get URLs passed through untouched; backends
// that need embedded bytes get the image fetched and sniffed here.
type Resolver struct {
	httpClient *http.Client
	policy     security.URLPolicy
	maxBytes   int64
	logger     *zap.Logger
}

type ResolverOption func(*Resolver)

func WithHTTPClient(c *http.Client) ResolverOption {
	return func(r *Resolver) { r.httpClient = c }
}

func WithMaxBytes(n int64) ResolverOption {
	return func(r *Resolver) { r.maxBytes = n }
}

func NewResolver(policy security.URLPolicy, logger *zap.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		httpClient: &http.Client{Timeout: DefaultDownloadTimeout},
		policy:     policy,
		maxBytes:   DefaultMaxBytes,
		logger:     logger.With(zap.String("component", "resolver")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Resolve(ctx context.Context, a models.Attachment, mode models.InputMode) (models.EncodedImage, error) {
	switch {
	case len(a.Data) > 0:
		return r.fromBytes(a.Data, a.MIMEType)
	case a.Path != "":
		return r.fromFile(a.Path, a.MIMEType)
	case strings.HasPrefix(a.URL, "data:"):
		return r.fromDataURL(a.URL)
	case a.URL != "":
		if mode == models.InputByReference {
			return models.EncodedImage{URL: a.URL, MIMEType: a.MIMEType}, nil
		}
		return r.fetch(ctx, a.URL, a.MIMEType)
	default:
		return models.EncodedImage{}, fmt.Errorf("%w: empty attachment", models.ErrUserInput)
	}
}

func (r *Resolver) fetch(ctx context.Context, url, mimeType string) (models.EncodedImage, error) {
	if err := r.policy.Validate(url); err != nil {
		return models.EncodedImage{}, fmt.Errorf("%w: %v", models.ErrUserInput, err)
	}
	data, err := download(ctx, r.httpClient, url, r.maxBytes)
	if err != nil {
		return models.EncodedImage{}, err
	}
	r.logger.Debug("fetched attachment", zap.Int("bytes", len(data)))
	return r.fromBytes(data, mimeType)
}

func (r *Resolver) fromFile(path, mimeType string) (models.EncodedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.EncodedImage{}, fmt.Errorf("%w: %v", models.ErrUserInput, err)
	}
	defer f.Close()

	data, err := readLimited(f, r.maxBytes)
	if err != nil {
		return models.EncodedImage{}, err
	}
	return r.fromBytes(data, mimeType)
}

func (r *Resolver) fromDataURL(raw string) (models.EncodedImage, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return models.EncodedImage{}, fmt.Errorf("%w: unsupported data URL", models.ErrUserInput)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return models.EncodedImage{}, fmt.Errorf("%w: invalid base64 in data URL", models.ErrUserInput)
	}
	return r.fromBytes(data, strings.TrimSuffix(header, ";base64"))
}

func (r *Resolver) fromBytes(data []byte, mimeType string) (models.EncodedImage, error) {
	if r.maxBytes > 0 && int64(len(data)) > r.maxBytes {
		return models.EncodedImage{}, ErrTooLarge
	}
	sniffed := http.DetectContentType(data)
	if !strings.HasPrefix(sniffed, "image/") {
		return models.EncodedImage{}, fmt.Errorf("%w: attachment is not an image (%s)", models.ErrUserInput, sniffed)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = sniffed
	}
	return models.EncodedImage{Data: data, MIMEType: mimeType}, nil
}
