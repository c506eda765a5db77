package models

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

const (
	DefaultWidth  = 512
	DefaultHeight = 512

	// MaxEditImages bounds how many images one edit request may carry.
	MaxEditImages = 3
)

type OutputFormat string

const (
	FormatPNG  OutputFormat = "png"
	FormatJPEG OutputFormat = "jpeg"
	FormatWebP OutputFormat = "webp"
)

func ValidFormats() []OutputFormat {
	return []OutputFormat{FormatPNG, FormatJPEG, FormatWebP}
}

func (f OutputFormat) IsValid() bool {
	return slices.Contains(ValidFormats(), f)
}

func (f OutputFormat) String() string {
	return string(f)
}

// DetectFormat sniffs image bytes and falls back to png.
func DetectFormat(data []byte) OutputFormat {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return FormatJPEG
	case "image/webp":
		return FormatWebP
	default:
		return FormatPNG
	}
}

// GenerationConfig is one text-to-image request. Width and height are hints that each
// backend maps onto its own size vocabulary.
type GenerationConfig struct {
	Prompt string
	Width  int
	Height int
	Style  string
	Model  string
}

func NewGenerationConfig(prompt string) GenerationConfig {
	return GenerationConfig{
		Prompt: prompt,
		Width:  DefaultWidth,
		Height: DefaultHeight,
	}
}

func (c GenerationConfig) Validate() error {
	if strings.TrimSpace(c.Prompt) == "" {
		return fmt.Errorf("%w: prompt cannot be empty", ErrUserInput)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: invalid size %dx%d", ErrUserInput, c.Width, c.Height)
	}
	return nil
}

// GenerationResult is what every backend returns across the provider boundary.
// On success exactly one of ImageURL and ImageData is set.
type GenerationResult struct {
	Success      bool
	ImageURL     string
	ImageData    []byte
	ErrorMessage string
	Provider     string
}

func URLResult(url string) GenerationResult {
	return GenerationResult{Success: true, ImageURL: url}
}

func DataResult(data []byte) GenerationResult {
	return GenerationResult{Success: true, ImageData: data}
}

func FailureResult(msg string) GenerationResult {
	return GenerationResult{ErrorMessage: msg}
}

// ErrorResult converts an error into a failed result.
func ErrorResult(err error) GenerationResult {
	if err == nil {
		return FailureResult("unknown error")
	}
	return FailureResult(err.Error())
}

func (r GenerationResult) HasImage() bool {
	return r.Success && (r.ImageURL != "" || len(r.ImageData) > 0)
}

// InputMode describes how an edit backend wants reference images delivered.
type InputMode int

const (
	// InputByReference accepts URLs (including data: URLs) directly.
	InputByReference InputMode = iota
	// InputEmbedded needs the raw image bytes in the request.
	InputEmbedded
)

func (m InputMode) String() string {
	switch m {
	case InputByReference:
		return "reference"
	case InputEmbedded:
		return "embedded"
	default:
		return fmt.Sprintf("InputMode(%d)", int(m))
	}
}

// EncodedImage is a reference image resolved for an edit backend.
type EncodedImage struct {
	URL      string
	Data     []byte
	MIMEType string
}

// Reference returns the image as a URL, encoding embedded bytes as a data URL when needed.
func (e EncodedImage) Reference() string {
	if e.URL != "" {
		return e.URL
	}
	mime := e.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(e.Data)
}
