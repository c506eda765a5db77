package batch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/manash/imgrelay/internal/history"
	"github.com/manash/imgrelay/internal/image"
	"github.com/manash/imgrelay/internal/orchestrator"
	"github.com/manash/imgrelay/internal/provider"
	"github.com/manash/imgrelay/pkg/models"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR fake png body")

type mockProvider struct {
	name       string
	configured bool
	delay      time.Duration
	calls      atomic.Int32
	inFlight   atomic.Int32
	maxFlight  atomic.Int32

	mu    sync.Mutex
	sizes [][2]int
}

func (m *mockProvider) Name() string       { return m.name }
func (m *mockProvider) IsConfigured() bool { return m.configured }

func (m *mockProvider) Generate(ctx context.Context, cfg models.GenerationConfig) models.GenerationResult {
	m.calls.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxFlight.Load()
		if n <= cur || m.maxFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	m.mu.Lock()
	m.sizes = append(m.sizes, [2]int{cfg.Width, cfg.Height})
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return models.ErrorResult(ctx.Err())
		case <-time.After(m.delay):
		}
	}
	if strings.Contains(cfg.Prompt, "fail") {
		return models.FailureResult(m.name + " rejected the prompt")
	}
	return models.DataResult(pngBytes)
}

type memRecorder struct {
	mu      sync.Mutex
	records []history.Record
}

func (r *memRecorder) Record(_ context.Context, rec *history.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *rec)
	return nil
}

func newProcessor(caps ...provider.Capability) (*Processor, *bytes.Buffer, *bytes.Buffer, *memRecorder) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	rec := &memRecorder{}
	orch := orchestrator.New(provider.NewRegistry(caps...), nil)
	return NewProcessor(orch, image.NewSaver(), rec, out, errOut, nil), out, errOut, rec
}

func items(prompts ...string) []Item {
	out := make([]Item, len(prompts))
	for i, p := range prompts {
		out[i] = Item{Index: i + 1, Prompt: p}
	}
	return out
}

func TestParseText(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{
			name:  "basic prompts",
			input: "prompt one\nprompt two\nprompt three",
			want:  3,
		},
		{
			name:  "with empty lines",
			input: "prompt one\n\nprompt two\n\n",
			want:  2,
		},
		{
			name:  "with comments",
			input: "# this is a comment\nprompt one\n# another comment\nprompt two",
			want:  2,
		},
		{
			name:    "empty file",
			input:   "",
			wantErr: true,
		},
		{
			name:    "only comments",
			input:   "# comment\n# another",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := ParseText(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseText() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && len(items) != tt.want {
				t.Errorf("ParseText() got %d items, want %d", len(items), tt.want)
			}
		})
	}
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{
			name:  "basic array",
			input: `[{"prompt": "one"}, {"prompt": "two"}]`,
			want:  2,
		},
		{
			name:  "with overrides",
			input: `[{"prompt": "one", "provider": "huoshan", "width": 1024, "height": 768}]`,
			want:  1,
		},
		{
			name:    "empty prompt",
			input:   `[{"prompt": "  "}]`,
			wantErr: true,
		},
		{
			name:    "negative size",
			input:   `[{"prompt": "one", "width": -1}]`,
			wantErr: true,
		},
		{
			name:    "empty array",
			input:   `[]`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			input:   `{not json`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := ParseJSON(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseJSON() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && len(items) != tt.want {
				t.Errorf("ParseJSON() got %d items, want %d", len(items), tt.want)
			}
		})
	}
}

func TestParseYAML(t *testing.T) {
	input := `
- prompt: an orange kitten
- prompt: a Chinese ink landscape
  provider: huoshan
  width: 1024
  height: 576
`
	got, err := ParseYAML(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseYAML() error = %v", err)
	}
	want := Item{Index: 2, Prompt: "a Chinese ink landscape", Provider: "huoshan", Width: 1024, Height: 576}
	if len(got) != 2 || got[1] != want {
		t.Errorf("ParseYAML() = %+v, want second item %+v", got, want)
	}

	if _, err := ParseYAML(strings.NewReader("")); err == nil {
		t.Error("ParseYAML(empty) error = nil, want error")
	}
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"prompts.txt":  "one\ntwo\n",
		"prompts.json": `[{"prompt": "one"}]`,
		"prompts.yml":  "- prompt: one\n",
		"prompts.csv":  "one,two",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		file    string
		want    int
		wantErr bool
	}{
		{"prompts.txt", 2, false},
		{"prompts.json", 1, false},
		{"prompts.yml", 1, false},
		{"prompts.csv", 0, true},
		{"missing.txt", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			items, err := ParseFile(filepath.Join(dir, tt.file))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFile() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(items) != tt.want {
				t.Errorf("ParseFile() got %d items, want %d", len(items), tt.want)
			}
		})
	}
}

func TestProcessorProcess(t *testing.T) {
	prov := &mockProvider{name: "tongyi", configured: true}
	p, out, _, rec := newProcessor(prov)
	dir := t.TempDir()

	results, err := p.Process(context.Background(), items("a red fox", "一只猫"), &Options{OutputDir: dir, UserID: "alice"})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	wantPaths := []string{
		filepath.Join(dir, "001-a-red-fox.png"),
		filepath.Join(dir, "002-一只猫.png"),
	}
	for i, r := range results {
		if r.Error != nil || r.Skipped {
			t.Fatalf("result %d = %+v", i, r)
		}
		if r.Path != wantPaths[i] {
			t.Errorf("result %d path = %s, want %s", i, r.Path, wantPaths[i])
		}
		if r.Provider != "tongyi" {
			t.Errorf("result %d provider = %s", i, r.Provider)
		}
		if _, err := os.Stat(r.Path); err != nil {
			t.Errorf("image %d not written: %v", i, err)
		}
	}

	if !strings.Contains(out.String(), "[1/2] Generating") {
		t.Errorf("missing progress output: %q", out.String())
	}
	if len(rec.records) != 2 || rec.records[0].UserID != "alice" || rec.records[0].ImagePath == "" {
		t.Errorf("history records = %+v", rec.records)
	}
}

func TestProcessor_SizeOverrides(t *testing.T) {
	prov := &mockProvider{name: "tongyi", configured: true}
	p, _, _, _ := newProcessor(prov)

	batch := []Item{
		{Index: 1, Prompt: "default"},
		{Index: 2, Prompt: "override", Width: 1024, Height: 768},
	}
	if _, err := p.Process(context.Background(), batch, &Options{OutputDir: t.TempDir(), DefaultWidth: 800, DefaultHeight: 600}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	want := [][2]int{{800, 600}, {1024, 768}}
	for i, got := range prov.sizes {
		if got != want[i] {
			t.Errorf("item %d size = %v, want %v", i+1, got, want[i])
		}
	}
}

func TestProcessor_ProviderOverride(t *testing.T) {
	volc := &mockProvider{name: "volcengine", configured: true}
	zhipu := &mockProvider{name: "zhipu", configured: false}
	p, _, errOut, _ := newProcessor(&mockProvider{name: "tongyi", configured: true}, volc, zhipu)

	batch := []Item{
		{Index: 1, Prompt: "by alias", Provider: "huoshan"},
		{Index: 2, Prompt: "inactive", Provider: "zhipu"},
		{Index: 3, Prompt: "unknown", Provider: "midjourney"},
	}
	results, err := p.Process(context.Background(), batch, &Options{OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if results[0].Provider != "volcengine" || volc.calls.Load() != 1 {
		t.Errorf("alias item = %+v, volcengine calls = %d", results[0], volc.calls.Load())
	}
	if results[1].Error == nil || !strings.Contains(results[1].Error.Error(), "configured but unavailable") {
		t.Errorf("inactive item error = %v", results[1].Error)
	}
	if results[2].Error == nil || !strings.Contains(results[2].Error.Error(), "not configured") {
		t.Errorf("unknown item error = %v", results[2].Error)
	}
	if zhipu.calls.Load() != 0 {
		t.Error("inactive provider must not be called")
	}
	if !strings.Contains(errOut.String(), "Error:") {
		t.Error("errors should be written to the error stream")
	}
}

func TestProcessorWithErrors(t *testing.T) {
	p, _, _, rec := newProcessor(&mockProvider{name: "tongyi", configured: true})

	results, err := p.Process(context.Background(), items("ok", "please fail", "ok again"), &Options{OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if results[1].Error == nil || !strings.Contains(results[1].Error.Error(), "tongyi rejected the prompt") {
		t.Errorf("failed item error = %v", results[1].Error)
	}
	if results[0].Error != nil || results[2].Error != nil {
		t.Error("other items should succeed")
	}
	if len(rec.records) != 3 || rec.records[1].Success || rec.records[1].Error == "" {
		t.Errorf("failed item should be recorded as a failure: %+v", rec.records)
	}
}

func TestProcessor_StopOnError(t *testing.T) {
	prov := &mockProvider{name: "tongyi", configured: true}
	p, _, _, _ := newProcessor(prov)

	results, err := p.Process(context.Background(), items("ok", "fail here", "never", "never either"), &Options{OutputDir: t.TempDir(), StopOnError: true})
	if err == nil || !strings.Contains(err.Error(), "stopped at item 2") {
		t.Fatalf("Process() error = %v, want stop at item 2", err)
	}
	if !results[2].Skipped || !results[3].Skipped {
		t.Errorf("items after the failure should be skipped: %+v", results)
	}
	if prov.calls.Load() != 2 {
		t.Errorf("provider calls = %d, want 2", prov.calls.Load())
	}
}

func TestProcessor_ParallelLimit(t *testing.T) {
	prov := &mockProvider{name: "tongyi", configured: true, delay: 20 * time.Millisecond}
	p, _, _, _ := newProcessor(prov)

	results, err := p.Process(context.Background(), items("a", "b", "c", "d", "e", "f"), &Options{OutputDir: t.TempDir(), Parallel: 2})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	for i, r := range results {
		if r.Error != nil || r.Skipped {
			t.Errorf("result %d = %+v", i, r)
		}
	}
	if got := prov.maxFlight.Load(); got > 2 {
		t.Errorf("max in flight = %d, want <= 2", got)
	}
}

func TestProcessorWithDelay(t *testing.T) {
	p, _, _, _ := newProcessor(&mockProvider{name: "tongyi", configured: true})

	start := time.Now()
	if _, err := p.Process(context.Background(), items("a", "b", "c"), &Options{OutputDir: t.TempDir(), Delay: 30 * time.Millisecond}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("elapsed = %v, want at least two delays", elapsed)
	}
}

func TestProcessorContextCancellation(t *testing.T) {
	prov := &mockProvider{name: "tongyi", configured: true}
	p, _, _, _ := newProcessor(prov)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := p.Process(ctx, items("a", "b"), &Options{OutputDir: t.TempDir()})
	if err == nil {
		t.Error("Process() with cancelled context should return error")
	}
	if prov.calls.Load() != 0 {
		t.Errorf("provider calls = %d, want 0", prov.calls.Load())
	}
	if !results[0].Skipped {
		t.Errorf("results = %+v, want skipped", results)
	}
}

func TestProcessor_NoProviders(t *testing.T) {
	p, _, _, _ := newProcessor(&mockProvider{name: "tongyi", configured: false})

	results, _ := p.Process(context.Background(), items("a"), &Options{OutputDir: t.TempDir()})
	if results[0].Error == nil || !strings.Contains(results[0].Error.Error(), "no image providers") {
		t.Errorf("error = %v", results[0].Error)
	}
}

func TestPrintSummary(t *testing.T) {
	p, out, _, _ := newProcessor()

	p.PrintSummary([]Result{
		{Index: 1, Prompt: "a", Provider: "tongyi"},
		{Index: 2, Prompt: "b", Provider: "zhipu"},
		{Index: 3, Prompt: "c", Provider: "tongyi"},
		{Index: 4, Prompt: "broken prompt", Error: context.DeadlineExceeded},
		{Index: 5, Prompt: "e", Skipped: true},
	})

	got := out.String()
	for _, want := range []string{
		"Successful: 3/5 images",
		"Failed: 1",
		"Skipped: 1",
		"    tongyi: 2\n    zhipu: 1\n",
		`[4] "broken prompt"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q:\n%s", want, got)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input  string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"this is a long string", 10, "this is..."},
		{"一只橘色的小猫在窗台上", 8, "一只橘色的..."},
	}

	for _, tt := range tests {
		if got := truncate(tt.input, tt.maxLen); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
		}
	}
}
