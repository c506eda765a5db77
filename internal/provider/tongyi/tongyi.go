// Package tongyi adapts Alibaba DashScope (Tongyi Wanxiang) text-to-image and
// asynchronous image editing.
package tongyi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/manash/imgrelay/internal/poller"
	"github.com/manash/imgrelay/internal/provider"
	"github.com/manash/imgrelay/pkg/models"
)

const (
	Name = "tongyi"

	defaultBaseURL     = "https://dashscope.aliyuncs.com/api/v1/services/aigc/multimodal-generation/generation"
	defaultEditBaseURL = "https://dashscope.aliyuncs.com/api/v1/services/aigc/image-generation/generation"
	defaultTaskBaseURL = "https://dashscope.aliyuncs.com/api/v1/tasks"
	defaultModel       = "wan2.6-t2i"
	defaultEditModel   = "wan2.6-image"

	imagePath = "output.choices.0.message.content.0.image"
)

type contentPart struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type message struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type input struct {
	Messages []message `json:"messages"`
}

type parameters struct {
	Size           string `json:"size,omitempty"`
	N              int    `json:"n"`
	PromptExtend   bool   `json:"prompt_extend"`
	Watermark      bool   `json:"watermark"`
	Seed           *int64 `json:"seed,omitempty"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
}

type apiRequest struct {
	Model      string     `json:"model"`
	Input      input      `json:"input"`
	Parameters parameters `json:"parameters"`
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

func (p *Provider) InputMode() models.InputMode {
	return models.InputByReference
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
		Model: model,
		Input: input{Messages: []message{{
			Role:    "user",
			Content: []contentPart{{Text: cfg.Prompt}},
		}}},
		Parameters: parameters{
			Size:           MapSize(cfg.Width, cfg.Height),
			N:              1,
			PromptExtend:   true,
			Seed:           p.cfg.Seed,
			NegativePrompt: p.cfg.NegativePrompt,
		},
	}

	resp, err := p.client.PostJSON(ctx, provider.StringOr(p.cfg.BaseURL, defaultBaseURL), p.authHeaders(), req)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", provider.BackendError(resp)
	}

	if url := resp.JSON().Get(imagePath).String(); url != "" {
		return url, nil
	}
	return "", fmt.Errorf("%w: %s", models.ErrBackend, messageOr(resp.JSON(), "response carried no image"))
}

// GenerateEdit submits an asynchronous editing task and waits for it through the poller.
func (p *Provider) GenerateEdit(ctx context.Context, prompt string, images []models.EncodedImage) models.GenerationResult {
	url, err := p.edit(ctx, prompt, images)
	if err != nil {
		return models.ErrorResult(err)
	}
	return models.URLResult(url)
}

func (p *Provider) edit(ctx context.Context, prompt string, images []models.EncodedImage) (string, error) {
	if len(images) == 0 {
		return "", fmt.Errorf("%w: at least one image is required", models.ErrUserInput)
	}

	content := make([]contentPart, 0, len(images)+1)
	content = append(content, contentPart{Text: prompt})
	for _, img := range images {
		content = append(content, contentPart{Image: img.Reference()})
	}

	req := apiRequest{
		Model: provider.StringOr(p.cfg.EditModel, defaultEditModel),
		Input: input{Messages: []message{{Role: "user", Content: content}}},
		Parameters: parameters{
			N:              1,
			PromptExtend:   true,
			NegativePrompt: p.cfg.NegativePrompt,
		},
	}

	headers := p.authHeaders()
	headers["X-DashScope-Async"] = "enable"

	resp, err := p.client.PostJSON(ctx, provider.StringOr(p.cfg.EditBaseURL, defaultEditBaseURL), headers, req)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create task: %w", provider.BackendError(resp))
	}

	taskID := resp.JSON().Get("output.task_id").String()
	if taskID == "" {
		return "", fmt.Errorf("%w: create task: invalid response format", models.ErrBackend)
	}
	p.logger.Info("edit task submitted", zap.String("task_id", taskID), zap.Int("images", len(images)))

	obs, err := p.poller.Wait(ctx, poller.NewTaskHandle(taskID), p.queryTask)
	if err != nil {
		return "", err
	}
	return obs.ImageURL, nil
}

func (p *Provider) queryTask(ctx context.Context, task poller.TaskHandle) (poller.Observation, error) {
	base := strings.TrimRight(provider.StringOr(p.cfg.TaskBaseURL, defaultTaskBaseURL), "/")
	resp, err := p.client.Get(ctx, base+"/"+task.ID, map[string]string{
		"Authorization": "Bearer " + p.cfg.APIKey,
	})
	if err != nil {
		return poller.Observation{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return poller.Observation{}, fmt.Errorf("query task: %w", provider.BackendError(resp))
	}

	output := resp.JSON().Get("output")
	if !output.Exists() {
		return poller.Observation{Status: poller.StatusPending}, nil
	}

	switch output.Get("task_status").String() {
	case "SUCCEEDED":
		return poller.Observation{
			Status:   poller.StatusSucceeded,
			ImageURL: output.Get("choices.0.message.content.0.image").String(),
		}, nil
	case "FAILED":
		return poller.Observation{
			Status:  poller.StatusFailed,
			Message: output.Get("message").String(),
		}, nil
	default:
		return poller.Observation{Status: poller.StatusPending}, nil
	}
}

func (p *Provider) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}
}

// MapSize maps a requested size onto the sizes DashScope accepts.
func MapSize(width, height int) string {
	switch {
	case width == height:
		switch {
		case width <= 768:
			return "768*768"
		case width <= 1024:
			return "1024*1024"
		default:
			return "1280*1280"
		}
	case width > height:
		if float64(width)/float64(height) >= 16.0/9.0 {
			return "1280*720"
		}
		return "1280*960"
	default:
		if float64(height)/float64(width) >= 16.0/9.0 {
			return "720*1280"
		}
		return "960*1280"
	}
}

func messageOr(doc gjson.Result, def string) string {
	if m := doc.Get("message").String(); m != "" {
		return m
	}
	return def
}
