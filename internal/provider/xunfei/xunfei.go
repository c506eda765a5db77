// Package xunfei adapts iFlytek Spark text-to-image, which authenticates with an
// HMAC-SHA256 signed request URL.
package xunfei

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/manash/imgrelay/internal/provider"
	"github.com/manash/imgrelay/pkg/models"
)

const (
	Name = "xunfei"

	defaultBaseURL = "https://spark-api.cn-huabei-1.xf-yun.com/v2.1/tti"
)

var Sizes = []provider.Size{
	{Width: 512, Height: 512},
	{Width: 640, Height: 360},
	{Width: 640, Height: 480},
	{Width: 640, Height: 640},
	{Width: 680, Height: 512},
	{Width: 512, Height: 680},
	{Width: 768, Height: 768},
	{Width: 720, Height: 1280},
	{Width: 1280, Height: 720},
	{Width: 1024, Height: 1024},
}

type apiRequest struct {
	Header    requestHeader    `json:"header"`
	Parameter requestParameter `json:"parameter"`
	Payload   requestPayload   `json:"payload"`
}

type requestHeader struct {
	AppID string `json:"app_id"`
}

type requestParameter struct {
	Chat chatParameter `json:"chat"`
}

type chatParameter struct {
	Domain string `json:"domain"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type requestPayload struct {
	Message payloadMessage `json:"message"`
}

type payloadMessage struct {
	Text []textItem `json:"text"`
}

type textItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Provider struct {
	cfg    provider.Config
	client *provider.Client
	now    func() time.Time
}

func New(cfg provider.Config, logger *zap.Logger) *Provider {
	return &Provider{
		cfg:    cfg,
		client: provider.NewClient(Name, cfg.TimeoutOr(provider.DefaultTimeout), logger),
		now:    time.Now,
	}
}

func (p *Provider) Name() string {
	return Name
}

func (p *Provider) IsConfigured() bool {
	return provider.NotBlank(p.cfg.AppID, p.cfg.APIKey, p.cfg.APISecret)
}

func (p *Provider) Generate(ctx context.Context, cfg models.GenerationConfig) models.GenerationResult {
	data, err := p.generate(ctx, cfg)
	if err != nil {
		return models.ErrorResult(err)
	}
	return models.DataResult(data)
}

func (p *Provider) generate(ctx context.Context, cfg models.GenerationConfig) ([]byte, error) {
	endpoint, err := SignURL(provider.StringOr(p.cfg.BaseURL, defaultBaseURL), http.MethodPost, p.cfg.APIKey, p.cfg.APISecret, p.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrNotConfigured, err)
	}

	size := provider.NearestSize(cfg.Width, cfg.Height, Sizes)
	req := apiRequest{
		Header:    requestHeader{AppID: p.cfg.AppID},
		Parameter: requestParameter{Chat: chatParameter{Domain: "general", Width: size.Width, Height: size.Height}},
		Payload:   requestPayload{Message: payloadMessage{Text: []textItem{{Role: "user", Content: cfg.Prompt}}}},
	}

	resp, err := p.client.PostJSON(ctx, endpoint, nil, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, provider.BackendError(resp)
	}

	doc := resp.JSON()
	if code := doc.Get("header.code").Int(); code != 0 {
		return nil, fmt.Errorf("%w: %s (code %d)", models.ErrBackend, doc.Get("header.message").String(), code)
	}

	b64 := doc.Get("payload.choices.text.0.content").String()
	if b64 == "" {
		return nil, models.ErrNoImage
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode image: %v", models.ErrBackend, err)
	}
	return data, nil
}

// SignURL appends the host, date and authorization query parameters Spark expects.
// The signature covers "host", "date" and the request line.
func SignURL(rawURL, method, apiKey, apiSecret string, now time.Time) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid base url: %q has no host", rawURL)
	}

	date := now.UTC().Format(http.TimeFormat)
	signatureOrigin := fmt.Sprintf("host: %s\ndate: %s\n%s %s HTTP/1.1", u.Host, date, method, u.EscapedPath())

	mac := hmac.New(sha256.New, []byte(apiSecret))
	mac.Write([]byte(signatureOrigin))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	authOrigin := fmt.Sprintf(`api_key="%s", algorithm="hmac-sha256", headers="host date request-line", signature="%s"`,
		apiKey, signature)

	q := url.Values{}
	q.Set("authorization", base64.StdEncoding.EncodeToString([]byte(authOrigin)))
	q.Set("date", date)
	q.Set("host", u.Host)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
