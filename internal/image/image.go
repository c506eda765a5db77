// Package image moves image bytes in and out of the process: it resolves
// inbound attachments for edit backends and saves generated results to disk.
package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/manash/imgrelay/pkg/models"
)

const (
	DefaultDownloadTimeout = 60 * time.Second
	// DefaultMaxBytes caps any single downloaded or read image.
	DefaultMaxBytes = 20 << 20
)

var ErrTooLarge = errors.New("image exceeds size limit")

type Saver struct {
	httpClient *http.Client
	maxBytes   int64
}

func NewSaver() *Saver {
	return &Saver{
		httpClient: &http.Client{
			Timeout: DefaultDownloadTimeout,
		},
		maxBytes: DefaultMaxBytes,
	}
}

// Save writes the result's image to path, downloading it first when the
// backend returned a URL.
func (s *Saver) Save(ctx context.Context, result models.GenerationResult, path string) error {
	data, err := s.Bytes(ctx, result)
	if err != nil {
		return err
	}

	if err := ensureDir(path); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// SaveToDir saves the result under dir as stem plus an extension sniffed from
// the image bytes, and returns the written path.
func (s *Saver) SaveToDir(ctx context.Context, result models.GenerationResult, dir, stem string) (string, error) {
	data, err := s.Bytes(ctx, result)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, stem+"."+models.DetectFormat(data).String())
	if err := ensureDir(path); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return path, nil
}

// Bytes returns the result's image, preferring inline data over the URL.
func (s *Saver) Bytes(ctx context.Context, result models.GenerationResult) ([]byte, error) {
	switch {
	case !result.Success:
		return nil, fmt.Errorf("no image data available: %s", result.ErrorMessage)
	case len(result.ImageData) > 0:
		return result.ImageData, nil
	case result.ImageURL != "":
		data, err := download(ctx, s.httpClient, result.ImageURL, s.maxBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to download image: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("no image data available")
	}
}

func download(ctx context.Context, client *http.Client, url string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	return readLimited(resp.Body, maxBytes)
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

// GenerateFilename returns a timestamped stem such as image-20240102-150405-2.
func GenerateFilename(index int, t time.Time) string {
	timestamp := t.Format("20060102-150405")
	if index > 0 {
		return fmt.Sprintf("image-%s-%d", timestamp, index+1)
	}
	return fmt.Sprintf("image-%s", timestamp)
}
