// Package display previews generated images inline in terminals that speak
// the kitty graphics protocol.
package display

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/manash/imgrelay/pkg/models"
)

// ErrUnsupportedImage is returned for bytes that cannot be converted to PNG.
var ErrUnsupportedImage = errors.New("unsupported image format for preview")

// Fetcher resolves a result into raw image bytes; *image.Saver implements it.
type Fetcher interface {
	Bytes(ctx context.Context, result models.GenerationResult) ([]byte, error)
}

type Displayer struct {
	out   io.Writer
	fetch Fetcher

	// Columns limits the preview width in terminal cells; zero is native size.
	Columns int
}

func New(out io.Writer, fetch Fetcher) *Displayer {
	return &Displayer{out: out, fetch: fetch}
}

// Display renders the result's image. Non-PNG images are converted first
// because the protocol's compressed format is PNG only.
func (d *Displayer) Display(ctx context.Context, result models.GenerationResult) error {
	if !result.HasImage() {
		return fmt.Errorf("result has no image")
	}
	data, err := d.fetch.Bytes(ctx, result)
	if err != nil {
		return err
	}
	return d.DisplayBytes(data)
}

func (d *Displayer) DisplayBytes(data []byte) error {
	data, err := toPNG(data)
	if err != nil {
		return err
	}

	enc := NewKittyEncoder(d.out).WithColumns(d.Columns)
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}

	fmt.Fprintln(d.out)
	return nil
}

func toPNG(data []byte) ([]byte, error) {
	if models.DetectFormat(data) == models.FormatPNG && bytes.HasPrefix(data, []byte("\x89PNG")) {
		return data, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// IsTerminalSupported reports whether stdout is a terminal known to render
// kitty graphics.
func IsTerminalSupported() bool {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return supportedByEnv()
}

func supportedByEnv() bool {
	termProgram := strings.ToLower(os.Getenv("TERM_PROGRAM"))
	supportedPrograms := []string{"kitty", "ghostty", "wezterm"}

	for _, prog := range supportedPrograms {
		if termProgram == prog {
			return true
		}
	}

	if os.Getenv("KITTY_WINDOW_ID") != "" {
		return true
	}

	termName := strings.ToLower(os.Getenv("TERM"))
	return strings.Contains(termName, "kitty") || strings.Contains(termName, "ghostty")
}
