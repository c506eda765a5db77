// Package volcengine adapts the Volcengine Ark (Doubao Seedream) image generation API.
package volcengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/manash/imgrelay/internal/provider"
	"github.com/manash/imgrelay/pkg/models"
)

const (
	Name = "volcengine"

	defaultBaseURL = "https://ark.cn-beijing.volces.com/api/v3/images/generations"
	defaultModel   = "doubao-seedream-3-0-t2i-250415"
)

// Sizes recommended by Seedream for each aspect ratio.
var Sizes = []provider.Size{
	{Width: 1024, Height: 1024},
	{Width: 864, Height: 1152},
	{Width: 1152, Height: 864},
	{Width: 1280, Height: 720},
	{Width: 720, Height: 1280},
	{Width: 832, Height: 1248},
	{Width: 1248, Height: 832},
	{Width: 1512, Height: 648},
}

type apiRequest struct {
	Model          string   `json:"model"`
	Prompt         string   `json:"prompt"`
	Size           string   `json:"size"`
	ResponseFormat string   `json:"response_format"`
	Watermark      bool     `json:"watermark"`
	Seed           *int64   `json:"seed,omitempty"`
	GuidanceScale  *float64 `json:"guidance_scale,omitempty"`
}

type apiResponse struct {
	Model string      `json:"model"`
	Data  []imageData `json:"data"`
	Error *apiError   `json:"error,omitempty"`
}

type imageData struct {
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64_json,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Provider struct {
	cfg    provider.Config
	client *provider.Client
}

func New(cfg provider.Config, logger *zap.Logger) *Provider {
	return &Provider{
		cfg:    cfg,
		client: provider.NewClient(Name, cfg.TimeoutOr(provider.DefaultTimeout), logger),
	}
}

func (p *Provider) Name() string {
	return Name
}

func (p *Provider) IsConfigured() bool {
	return provider.NotBlank(p.cfg.APIKey)
}

func (p *Provider) Generate(ctx context.Context, cfg models.GenerationConfig) models.GenerationResult {
	url, err := p.generate(ctx, cfg)
	if err != nil {
		return models.ErrorResult(err)
	}
	return models.URLResult(url)
}

func (p *Provider) buildAPIRequest(cfg models.GenerationConfig) apiRequest {
	model := cfg.Model
	if model == "" {
		model = provider.StringOr(p.cfg.Model, defaultModel)
	}

	req := apiRequest{
		Model:          model,
		Prompt:         cfg.Prompt,
		Size:           provider.NearestSize(cfg.Width, cfg.Height, Sizes).String(),
		ResponseFormat: "url",
		Seed:           p.cfg.Seed,
	}
	if p.cfg.GuidanceScale > 0 {
		gs := p.cfg.GuidanceScale
		req.GuidanceScale = &gs
	}
	return req
}

func (p *Provider) generate(ctx context.Context, cfg models.GenerationConfig) (string, error) {
	resp, err := p.client.PostJSON(ctx, provider.StringOr(p.cfg.BaseURL, defaultBaseURL), map[string]string{
		"Authorization": "Bearer " + p.cfg.APIKey,
	}, p.buildAPIRequest(cfg))
	if err != nil {
		return "", err
	}

	var apiResp apiResponse
	if err := json.Unmarshal(resp.Body, &apiResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", provider.BackendError(resp)
		}
		return "", fmt.Errorf("%w: failed to parse response: %v", models.ErrBackend, err)
	}

	if apiResp.Error != nil {
		return "", fmt.Errorf("%w: %s", models.ErrBackend, apiResp.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", provider.BackendError(resp)
	}
	if len(apiResp.Data) == 0 || apiResp.Data[0].URL == "" {
		return "", models.ErrNoImage
	}
	return apiResp.Data[0].URL, nil
}
