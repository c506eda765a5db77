package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/imgrelay/internal/bot"
	"github.com/manash/imgrelay/internal/config"
	"github.com/manash/imgrelay/internal/cooldown"
	"github.com/manash/imgrelay/internal/history"
	"github.com/manash/imgrelay/internal/image"
	"github.com/manash/imgrelay/internal/metrics"
	"github.com/manash/imgrelay/internal/orchestrator"
	"github.com/manash/imgrelay/internal/provider"
	"github.com/manash/imgrelay/internal/security"
	"github.com/manash/imgrelay/internal/session"
	"github.com/manash/imgrelay/pkg/models"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR fake png body")

type stubCap struct {
	name   string
	result models.GenerationResult
}

func (s *stubCap) Name() string       { return s.name }
func (s *stubCap) IsConfigured() bool { return true }
func (s *stubCap) Generate(context.Context, models.GenerationConfig) models.GenerationResult {
	return s.result
}

type stubEditor struct {
	stubCap
	images int
}

func (s *stubEditor) InputMode() models.InputMode { return models.InputEmbedded }
func (s *stubEditor) GenerateEdit(_ context.Context, _ string, images []models.EncodedImage) models.GenerationResult {
	s.images = len(images)
	return models.DataResult(pngBytes)
}

type fixture struct {
	srv     *Server
	store   *history.Store
	metrics *metrics.Collector
	editor  *stubEditor
}

func newFixture(t *testing.T, withHistory bool) *fixture {
	t.Helper()

	editor := &stubEditor{stubCap: stubCap{name: "tongyi", result: models.URLResult("https://oss/cat.png")}}
	reg := provider.NewRegistry(editor)
	collector := metrics.NewCollector(metrics.DefaultNamespace, nil)
	orch := orchestrator.New(reg, nil, orchestrator.WithObserver(collector))
	guard := cooldown.NewGuard(cooldown.Config{}, cooldown.NewMemoryStore(0), nil)
	sessions := session.NewManager(session.Config{}, image.NewResolver(security.Permissive(), nil), nil)

	f := &fixture{metrics: collector, editor: editor}
	var recorder bot.Recorder
	var reader HistoryReader
	if withHistory {
		store, err := history.NewStoreWithPath(filepath.Join(t.TempDir(), "history.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		f.store = store
		recorder, reader = store, store
	}

	d := bot.NewDispatcher(orch, guard, sessions, recorder, bot.Options{EditProvider: "tongyi", Enforce: config.EnforceConfig{}}, nil)
	srv, err := New(Options{
		Mode:       gin.TestMode,
		Dispatcher: d,
		Registry:   reg,
		History:    reader,
		Metrics:    collector,
	})
	require.NoError(t, err)
	f.srv = srv
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeReplies(t *testing.T, w *httptest.ResponseRecorder) []ReplyResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp EventResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Replies
}

func TestNew_RequiresDispatcher(t *testing.T) {
	_, err := New(Options{Registry: provider.NewRegistry()})
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestEvent_Generate(t *testing.T) {
	f := newFixture(t, true)

	replies := decodeReplies(t, f.do(t, http.MethodPost, "/v1/events", EventRequest{UserID: "u1", Text: "/tti a cat"}))
	require.Len(t, replies, 2)
	assert.Equal(t, "generating: a cat", replies[0].Text)
	assert.Equal(t, "https://oss/cat.png", replies[1].ImageURL)
	assert.Equal(t, "tongyi", replies[1].Provider)

	w := f.do(t, http.MethodGet, "/v1/history/u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		History []HistoryEntry `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.History, 1)
	assert.Equal(t, "a cat", resp.History[0].Prompt)
	assert.True(t, resp.History[0].Success)
	assert.Equal(t, history.OpGenerate, resp.History[0].Operation)
}

func TestEvent_EditWithBase64Attachment(t *testing.T) {
	f := newFixture(t, false)

	decodeReplies(t, f.do(t, http.MethodPost, "/v1/events", EventRequest{UserID: "u1", Text: "/iti make it blue"}))

	replies := decodeReplies(t, f.do(t, http.MethodPost, "/v1/events", EventRequest{
		UserID:      "u1",
		Attachments: []AttachmentRequest{{Data: base64.StdEncoding.EncodeToString(pngBytes)}},
	}))
	require.Len(t, replies, 1)
	assert.Equal(t, "received image 1/3", replies[0].Text)

	replies = decodeReplies(t, f.do(t, http.MethodPost, "/v1/events", EventRequest{UserID: "u1", Text: "done"}))
	require.Len(t, replies, 2)
	assert.Equal(t, base64.StdEncoding.EncodeToString(pngBytes), replies[1].ImageBase64)
	assert.Equal(t, 1, f.editor.images)
}

func TestEvent_PlainTextHasNoReplies(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(t, http.MethodPost, "/v1/events", EventRequest{UserID: "u1", Text: "hello"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"replies":[]}`, w.Body.String())
}

func TestEvent_BadRequests(t *testing.T) {
	f := newFixture(t, false)

	tests := []struct {
		name string
		body any
	}{
		{"missing user", EventRequest{Text: "/tti cat"}},
		{"blank user", EventRequest{UserID: "  ", Text: "/tti cat"}},
		{"bad base64", EventRequest{UserID: "u1", Attachments: []AttachmentRequest{{Data: "!!not base64!!"}}}},
		{"empty attachment", EventRequest{UserID: "u1", Attachments: []AttachmentRequest{{}}}},
		{"not json", "just a string"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/v1/events", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("POST /v1/events status = %d, want %d (%s)", w.Code, http.StatusBadRequest, w.Body.String())
			}
		})
	}
}

func TestProviders(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(t, http.MethodGet, "/v1/providers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"providers":[{"name":"tongyi","configured":true,"edit":true}]}`, w.Body.String())
}

func TestHistory_Disabled(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(t, http.MethodGet, "/v1/history/u1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHistory_Limit(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.Record(ctx, &history.Record{
			UserID:     "u2",
			Operation:  history.OpGenerate,
			Prompt:     "p",
			Candidates: []string{"tongyi"},
			Success:    true,
		}))
		time.Sleep(2 * time.Millisecond)
	}

	w := f.do(t, http.MethodGet, "/v1/history/u2?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		History []HistoryEntry `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.History, 2)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, false)
	f.do(t, http.MethodPost, "/v1/events", EventRequest{UserID: "u1", Text: "/tti a cat"})

	w := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, `imgrelay_http_requests_total{method="POST",path="/v1/events",status="200"} 1`), body)
	assert.Contains(t, body, `imgrelay_provider_attempts_total{op="generate",provider="tongyi",status="success"} 1`)
}
