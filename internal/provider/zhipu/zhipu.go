// Package zhipu adapts the Zhipu AI (BigModel) CogView image generation API.
package zhipu

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
	Name = "zhipu"

	defaultBaseURL = "https://open.bigmodel.cn/api/paas/v4/images/generations"
	defaultModel   = "cogview-3-flash"
)

// Sizes CogView accepts.
var Sizes = []provider.Size{
	{Width: 1024, Height: 1024},
	{Width: 768, Height: 1344},
	{Width: 864, Height: 1152},
	{Width: 1344, Height: 768},
	{Width: 1152, Height: 864},
	{Width: 1440, Height: 720},
	{Width: 720, Height: 1440},
}

type apiRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
}

type apiResponse struct {
	Created int64       `json:"created"`
	Data    []imageData `json:"data"`
	Error   *apiError   `json:"error,omitempty"`
}

type imageData struct {
	URL string `json:"url"`
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

func (p *Provider) generate(ctx context.Context, cfg models.GenerationConfig) (string, error) {
	model := cfg.Model
	if model == "" {
		model = provider.StringOr(p.cfg.Model, defaultModel)
	}

	req := apiRequest{
		Model:  model,
		Prompt: cfg.Prompt,
		Size:   provider.NearestSize(cfg.Width, cfg.Height, Sizes).String(),
	}

	resp, err := p.client.PostJSON(ctx, provider.StringOr(p.cfg.BaseURL, defaultBaseURL), map[string]string{
		"Authorization": "Bearer " + p.cfg.APIKey,
	}, req)
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
