package volcengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/manash/imgrelay/internal/provider"
	"github.com/manash/imgrelay/pkg/models"
)

func TestProvider_Generate(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer ark-key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"model":"m","data":[{"url":"https://ark/img.jpeg"}]}`))
	}))
	defer server.Close()

	seed := int64(42)
	p := New(provider.Config{APIKey: "ark-key", BaseURL: server.URL, Seed: &seed, GuidanceScale: 2.5}, nil)
	result := p.Generate(context.Background(), models.GenerationConfig{Prompt: "harbor", Width: 1600, Height: 900})

	if !result.Success {
		t.Fatalf("Generate() failed: %s", result.ErrorMessage)
	}
	if result.ImageURL != "https://ark/img.jpeg" {
		t.Errorf("ImageURL = %q", result.ImageURL)
	}

	tests := []struct {
		field string
		want  any
	}{
		{"model", defaultModel},
		{"size", "1280x720"},
		{"response_format", "url"},
		{"watermark", false},
		{"seed", float64(42)},
		{"guidance_scale", 2.5},
	}
	for _, tt := range tests {
		if got[tt.field] != tt.want {
			t.Errorf("%s = %v, want %v", tt.field, got[tt.field], tt.want)
		}
	}
}

func TestProvider_buildAPIRequest_OmitsUnsetTuning(t *testing.T) {
	p := New(provider.Config{APIKey: "k"}, nil)
	req := p.buildAPIRequest(models.NewGenerationConfig("x"))
	if req.Seed != nil || req.GuidanceScale != nil {
		t.Errorf("buildAPIRequest() = %+v, want no seed or guidance", req)
	}
	if req.Size != "1024x1024" {
		t.Errorf("Size = %q", req.Size)
	}
}

func TestProvider_Generate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"api error", http.StatusUnauthorized, `{"error":{"code":"AuthenticationError","message":"the API key is invalid"}}`, "the API key is invalid"},
		{"no data", http.StatusOK, `{"data":[]}`, models.ErrNoImage.Error()},
		{"gateway", http.StatusBadGateway, `bad gateway`, "HTTP 502"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			result := New(provider.Config{APIKey: "k", BaseURL: server.URL}, nil).
				Generate(context.Background(), models.NewGenerationConfig("x"))
			if result.Success {
				t.Fatal("Generate() succeeded, want failure")
			}
			if !strings.Contains(result.ErrorMessage, tt.wantMsg) {
				t.Errorf("ErrorMessage = %q, want it to contain %q", result.ErrorMessage, tt.wantMsg)
			}
		})
	}
}
