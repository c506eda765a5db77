// Package openai adapts the OpenAI Images API for generation and multipart editing.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manash/imgrelay/internal/provider"
	"github.com/manash/imgrelay/pkg/models"
)

const (
	Name = "openai"

	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-image-1"
	defaultTimeout = 120 * time.Second
)

var modelSizes = map[string][]provider.Size{
	"gpt-image-1": {{Width: 1024, Height: 1024}, {Width: 1536, Height: 1024}, {Width: 1024, Height: 1536}},
	"dall-e-3":    {{Width: 1024, Height: 1024}, {Width: 1792, Height: 1024}, {Width: 1024, Height: 1792}},
	"dall-e-2":    {{Width: 1024, Height: 1024}},
}

type apiRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Style          string `json:"style,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	OutputFormat   string `json:"output_format,omitempty"`
}

type apiResponse struct {
	Created int64       `json:"created"`
	Data    []imageData `json:"data"`
	Error   *apiError   `json:"error,omitempty"`
}

type imageData struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type Provider struct {
	cfg     provider.Config
	baseURL string
	client  *provider.Client
	logger  *zap.Logger
}

func New(cfg provider.Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:     cfg,
		baseURL: strings.TrimRight(provider.StringOr(cfg.BaseURL, defaultBaseURL), "/"),
		client:  provider.NewClient(Name, cfg.TimeoutOr(defaultTimeout), logger),
		logger:  logger.With(zap.String("provider", Name)),
	}
}

func (p *Provider) Name() string {
	return Name
}

func (p *Provider) IsConfigured() bool {
	return provider.NotBlank(p.cfg.APIKey)
}

func (p *Provider) model(override string) string {
	if override != "" {
		return override
	}
	return provider.StringOr(p.cfg.Model, defaultModel)
}

func (p *Provider) Generate(ctx context.Context, cfg models.GenerationConfig) models.GenerationResult {
	resp, err := p.client.PostJSON(ctx, p.baseURL+"/images/generations", p.authHeaders(), p.buildAPIRequest(cfg))
	if err != nil {
		return models.ErrorResult(err)
	}
	return toResult(p.parseResponse(resp))
}

func (p *Provider) buildAPIRequest(cfg models.GenerationConfig) *apiRequest {
	model := p.model(cfg.Model)
	apiReq := &apiRequest{
		Model:  model,
		Prompt: cfg.Prompt,
		N:      1,
	}
	if sizes, ok := modelSizes[model]; ok {
		apiReq.Size = provider.NearestSize(cfg.Width, cfg.Height, sizes).String()
	}

	switch model {
	case "gpt-image-1":
		apiReq.OutputFormat = models.FormatPNG.String()
	case "dall-e-3":
		apiReq.ResponseFormat = "url"
		if cfg.Style != "" {
			apiReq.Style = cfg.Style
		}
	case "dall-e-2":
		apiReq.ResponseFormat = "url"
	}

	return apiReq
}

func (p *Provider) parseResponse(resp *provider.Response) (imageData, error) {
	var apiResp apiResponse
	if err := json.Unmarshal(resp.Body, &apiResp); err != nil {
		if !resp.OK() {
			return imageData{}, provider.BackendError(resp)
		}
		return imageData{}, fmt.Errorf("%w: failed to parse response: %v", models.ErrBackend, err)
	}

	if apiResp.Error != nil {
		return imageData{}, fmt.Errorf("%w: %s", models.ErrBackend, apiResp.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return imageData{}, fmt.Errorf("%w: status %d", models.ErrBackend, resp.StatusCode)
	}
	if len(apiResp.Data) == 0 {
		return imageData{}, models.ErrNoImage
	}

	if rp := apiResp.Data[0].RevisedPrompt; rp != "" {
		p.logger.Debug("prompt revised", zap.String("revised_prompt", rp))
	}
	return apiResp.Data[0], nil
}

func toResult(data imageData, err error) models.GenerationResult {
	if err != nil {
		return models.ErrorResult(err)
	}
	if data.B64JSON != "" {
		decoded, err := base64.StdEncoding.DecodeString(data.B64JSON)
		if err != nil {
			return models.ErrorResult(fmt.Errorf("%w: failed to decode image: %v", models.ErrBackend, err))
		}
		return models.DataResult(decoded)
	}
	if data.URL != "" {
		return models.URLResult(data.URL)
	}
	return models.ErrorResult(models.ErrNoImage)
}

func (p *Provider) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}
}
