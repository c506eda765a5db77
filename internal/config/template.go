package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/manash/imgrelay/internal/provider/catalog"
)

// mandatoryFields lists the identifying credentials per backend.
var mandatoryFields = map[string][]string{
	"qianfan": {"access_token"},
	"xunfei":  {"app_id", "api_key", "api_secret"},
}

// Template renders cfg as YAML with every known backend listed, as a starting
// configuration file.
func Template(cfg Config) ([]byte, error) {
	providers := make(map[string]any, len(catalog.Entries))
	for _, name := range catalog.Names() {
		block := map[string]any{}
		fields, ok := mandatoryFields[name]
		if !ok {
			fields = []string{"api_key"}
		}
		for _, f := range fields {
			block[f] = ""
		}
		if pc, ok := cfg.Providers[name]; ok {
			setIf(block, "api_key", pc.APIKey)
			setIf(block, "api_secret", pc.APISecret)
			setIf(block, "app_id", pc.AppID)
			setIf(block, "access_token", pc.AccessToken)
			setIf(block, "base_url", pc.BaseURL)
			setIf(block, "model", pc.Model)
		}
		providers[name] = block
	}

	doc := map[string]any{
		"default_width":  cfg.DefaultWidth,
		"default_height": cfg.DefaultHeight,
		"output_dir":     cfg.OutputDir,
		"providers":      providers,
		"cooldown": map[string]any{
			"duration": cfg.Cooldown.Duration.String(),
			"admins":   nonNil(cfg.Cooldown.Admins),
			"store":    cfg.Cooldown.Store,
			"redis": map[string]any{
				"addr":   cfg.Cooldown.Redis.Addr,
				"db":     cfg.Cooldown.Redis.DB,
				"prefix": cfg.Cooldown.Redis.Prefix,
			},
			"enforce": map[string]any{
				"generate": cfg.Cooldown.Enforce.Generate,
				"provider": cfg.Cooldown.Enforce.Provider,
				"edit":     cfg.Cooldown.Enforce.Edit,
			},
		},
		"edit": map[string]any{
			"provider":         cfg.Edit.Provider,
			"timeout":          cfg.Edit.Timeout.String(),
			"grace":            cfg.Edit.Grace.String(),
			"max_images":       cfg.Edit.MaxImages,
			"finish_keywords":  nonNil(cfg.Edit.FinishKeywords),
			"janitor_interval": cfg.Edit.JanitorInterval.String(),
		},
		"poll": map[string]any{
			"interval":     cfg.Poll.Interval.String(),
			"max_attempts": cfg.Poll.MaxAttempts,
		},
		"fetch": map[string]any{
			"allow_http":    cfg.Fetch.AllowHTTP,
			"allow_private": cfg.Fetch.AllowPrivate,
		},
		"server": map[string]any{
			"addr":    cfg.Server.Addr,
			"mode":    cfg.Server.Mode,
			"metrics": cfg.Server.Metrics,
		},
		"history": map[string]any{
			"enabled": cfg.History.Enabled,
			"path":    cfg.History.Path,
		},
		"log": map[string]any{
			"level":  cfg.Log.Level,
			"format": cfg.Log.Format,
		},
	}

	return yaml.Marshal(doc)
}

// WriteTemplate writes the default template to path, refusing to overwrite
// unless force is set.
func WriteTemplate(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	data, err := Template(Default())
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0600)
}

func setIf(m map[string]any, key, v string) {
	if v != "" {
		m[key] = v
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
