// Package ppio adapts the PPIO (PPInfra) asynchronous txt2img API.
package ppio

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/manash/imgrelay/internal/poller"
	"github.com/manash/imgrelay/internal/provider"
	"github.com/manash/imgrelay/pkg/models"
)

const (
	Name = "ppio"

	defaultBaseURL       = "https://api.ppinfra.com"
	defaultModel         = "sd_xl_base_1.0.safetensors"
	defaultSteps         = 20
	defaultGuidanceScale = 7.5

	minDimension  = 128
	maxDimension  = 2048
	dimensionStep = 8
)

type txt2imgRequest struct {
	Request txt2imgParams `json:"request"`
}

type txt2imgParams struct {
	ModelName      string  `json:"model_name"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	ImageNum       int     `json:"image_num"`
	Steps          int     `json:"steps"`
	GuidanceScale  float64 `json:"guidance_scale"`
	Seed           int64   `json:"seed"`
	SamplerName    string  `json:"sampler_name"`
}

type Provider struct {
	cfg    provider.Config
	client *provider.Client
	poller *poller.Poller
	logger *zap.Logger
}

func New(cfg provider.Config, p *poller.Poller, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if p == nil {
		p = poller.New(0, 0, logger)
	}
	return &Provider{
		cfg:    cfg,
		client: provider.NewClient(Name, cfg.TimeoutOr(provider.DefaultTimeout), logger),
		poller: p,
		logger: logger.With(zap.String("provider", Name)),
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

func (p *Provider) buildRequest(cfg models.GenerationConfig) txt2imgRequest {
	model := cfg.Model
	if model == "" {
		model = provider.StringOr(p.cfg.Model, defaultModel)
	}
	steps := p.cfg.Steps
	if steps <= 0 {
		steps = defaultSteps
	}
	guidance := p.cfg.GuidanceScale
	if guidance <= 0 {
		guidance = defaultGuidanceScale
	}
	seed := int64(-1)
	if p.cfg.Seed != nil {
		seed = *p.cfg.Seed
	}

	return txt2imgRequest{Request: txt2imgParams{
		ModelName:      model,
		Prompt:         cfg.Prompt,
		NegativePrompt: p.cfg.NegativePrompt,
		Width:          provider.ClampDimension(cfg.Width, minDimension, maxDimension, dimensionStep),
		Height:         provider.ClampDimension(cfg.Height, minDimension, maxDimension, dimensionStep),
		ImageNum:       1,
		Steps:          steps,
		GuidanceScale:  guidance,
		Seed:           seed,
		SamplerName:    "Euler a",
	}}
}

func (p *Provider) baseURL() string {
	return strings.TrimRight(provider.StringOr(p.cfg.BaseURL, defaultBaseURL), "/")
}

func (p *Provider) generate(ctx context.Context, cfg models.GenerationConfig) (string, error) {
	resp, err := p.client.PostJSON(ctx, p.baseURL()+"/v3/async/txt2img", p.authHeaders(), p.buildRequest(cfg))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create task: %w", provider.BackendError(resp))
	}

	taskID := resp.JSON().Get("task_id").String()
	if taskID == "" {
		return "", fmt.Errorf("%w: create task: response carried no task_id", models.ErrBackend)
	}
	p.logger.Debug("txt2img task submitted", zap.String("task_id", taskID))

	obs, err := p.poller.Wait(ctx, poller.NewTaskHandle(taskID), p.queryTask)
	if err != nil {
		return "", err
	}
	return obs.ImageURL, nil
}

func (p *Provider) queryTask(ctx context.Context, task poller.TaskHandle) (poller.Observation, error) {
	u := p.baseURL() + "/v3/async/task-result?task_id=" + url.QueryEscape(task.ID)
	resp, err := p.client.Get(ctx, u, p.authHeaders())
	if err != nil {
		return poller.Observation{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return poller.Observation{}, fmt.Errorf("query task: %w", provider.BackendError(resp))
	}

	doc := resp.JSON()
	switch doc.Get("task.status").String() {
	case "TASK_STATUS_SUCCEED":
		return poller.Observation{
			Status:   poller.StatusSucceeded,
			ImageURL: doc.Get("images.0.image_url").String(),
		}, nil
	case "TASK_STATUS_FAILED":
		return poller.Observation{
			Status:  poller.StatusFailed,
			Message: doc.Get("task.reason").String(),
		}, nil
	default:
		return poller.Observation{Status: poller.StatusPending}, nil
	}
}

func (p *Provider) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}
}
