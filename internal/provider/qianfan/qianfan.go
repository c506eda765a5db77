// Package qianfan adapts Baidu Qianfan (Wenxin workshop) text-to-image.
package qianfan

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/manash/imgrelay/internal/provider"
	"github.com/manash/imgrelay/pkg/models"
)

const (
	Name = "qianfan"

	defaultBaseURL = "https://aip.baidubce.com/rpc/2.0/ai_custom/v1/wenxinworkshop/text2image"
	defaultModel   = "sd_xl"
	defaultSteps   = 20
	maxSteps       = 50
)

var Sizes = []provider.Size{
	{Width: 1024, Height: 1024},
	{Width: 768, Height: 1024},
	{Width: 1024, Height: 768},
	{Width: 576, Height: 1024},
	{Width: 1024, Height: 576},
}

type apiRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Size           string `json:"size"`
	N              int    `json:"n"`
	Steps          int    `json:"steps"`
	Seed           *int64 `json:"seed,omitempty"`
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
	return provider.NotBlank(p.cfg.AccessToken)
}

func (p *Provider) Generate(ctx context.Context, cfg models.GenerationConfig) models.GenerationResult {
	data, err := p.generate(ctx, cfg)
	if err != nil {
		return models.ErrorResult(err)
	}
	return models.DataResult(data)
}

func (p *Provider) endpoint(model string) string {
	base := strings.TrimRight(provider.StringOr(p.cfg.BaseURL, defaultBaseURL), "/")
	return base + "/" + model + "?access_token=" + url.QueryEscape(p.cfg.AccessToken)
}

func (p *Provider) steps() int {
	switch {
	case p.cfg.Steps <= 0:
		return defaultSteps
	case p.cfg.Steps > maxSteps:
		return maxSteps
	default:
		return p.cfg.Steps
	}
}

func (p *Provider) generate(ctx context.Context, cfg models.GenerationConfig) ([]byte, error) {
	model := cfg.Model
	if model == "" {
		model = provider.StringOr(p.cfg.Model, defaultModel)
	}

	req := apiRequest{
		Prompt:         cfg.Prompt,
		NegativePrompt: p.cfg.NegativePrompt,
		Size:           provider.NearestSize(cfg.Width, cfg.Height, Sizes).String(),
		N:              1,
		Steps:          p.steps(),
		Seed:           p.cfg.Seed,
	}

	resp, err := p.client.PostJSON(ctx, p.endpoint(model), nil, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, provider.BackendError(resp)
	}

	doc := resp.JSON()
	// Baidu reports failures with HTTP 200 and an error_code field.
	if code := doc.Get("error_code"); code.Exists() && code.Int() != 0 {
		return nil, fmt.Errorf("%w: %s (code %d)", models.ErrBackend, doc.Get("error_msg").String(), code.Int())
	}

	b64 := doc.Get("data.0.b64_image").String()
	if b64 == "" {
		return nil, models.ErrNoImage
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode image: %v", models.ErrBackend, err)
	}
	return data, nil
}
