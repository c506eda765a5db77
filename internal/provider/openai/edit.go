package openai

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"

	"go.uber.org/zap"

	"github.com/manash/imgrelay/pkg/models"
)

// InputMode reports that edits upload raw image bytes rather than URLs.
func (p *Provider) InputMode() models.InputMode {
	return models.InputEmbedded
}

func (p *Provider) editModel() string {
	if p.cfg.EditModel != "" {
		return p.cfg.EditModel
	}
	return p.model("")
}

func (p *Provider) GenerateEdit(ctx context.Context, prompt string, images []models.EncodedImage) models.GenerationResult {
	httpReq, err := p.buildEditRequest(ctx, prompt, images)
	if err != nil {
		return models.ErrorResult(err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return models.ErrorResult(err)
	}
	return toResult(p.parseResponse(resp))
}

func (p *Provider) buildEditRequest(ctx context.Context, prompt string, images []models.EncodedImage) (*http.Request, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: at least one image is required", models.ErrUserInput)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	field := "image"
	if len(images) > 1 {
		field = "image[]"
	}
	for i, img := range images {
		if len(img.Data) == 0 {
			return nil, fmt.Errorf("%w: image %d has no embedded data", models.ErrUserInput, i+1)
		}
		format := models.DetectFormat(img.Data)
		part, err := writer.CreateFormFile(field, fmt.Sprintf("image%d.%s", i+1, format))
		if err != nil {
			return nil, fmt.Errorf("failed to create image part: %w", err)
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, fmt.Errorf("failed to write image: %w", err)
		}
	}

	model := p.editModel()
	if err := writer.WriteField("prompt", prompt); err != nil {
		return nil, fmt.Errorf("failed to write prompt: %w", err)
	}
	if err := writer.WriteField("model", model); err != nil {
		return nil, fmt.Errorf("failed to write model: %w", err)
	}
	if model == "dall-e-2" {
		if err := writer.WriteField("response_format", "url"); err != nil {
			return nil, fmt.Errorf("failed to write response_format: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/images/edits", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	p.logger.Debug("edit request",
		zap.String("model", model),
		zap.Int("images", len(images)),
		zap.Int("body_bytes", body.Len()))

	return httpReq, nil
}
