package batch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Item is one prompt from a batch file. Provider, Width and Height are
// optional overrides.
type Item struct {
	Index    int
	Prompt   string
	Provider string
	Width    int
	Height   int
}

type fileItem struct {
	Prompt   string `json:"prompt" yaml:"prompt"`
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Width    int    `json:"width,omitempty" yaml:"width,omitempty"`
	Height   int    `json:"height,omitempty" yaml:"height,omitempty"`
}

func ParseFile(path string) ([]Item, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		return ParseJSON(file)
	case ".yaml", ".yml":
		return ParseYAML(file)
	case ".txt", "":
		return ParseText(file)
	default:
		return nil, fmt.Errorf("unsupported file format %q: use .txt, .json or .yaml", ext)
	}
}

// ParseText reads one prompt per line, skipping blanks and # comments.
func ParseText(r io.Reader) ([]Item, error) {
	var items []Item
	scanner := bufio.NewScanner(r)
	index := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		index++
		items = append(items, Item{
			Index:  index,
			Prompt: line,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("no prompts found in file")
	}

	return items, nil
}

func ParseJSON(r io.Reader) ([]Item, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var raw []fileItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return toItems(raw)
}

func ParseYAML(r io.Reader) ([]Item, error) {
	var raw []fileItem
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("no prompts found in file")
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return toItems(raw)
}

func toItems(raw []fileItem) ([]Item, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("no prompts found in file")
	}

	items := make([]Item, len(raw))
	for i, fi := range raw {
		if strings.TrimSpace(fi.Prompt) == "" {
			return nil, fmt.Errorf("item %d has empty prompt", i+1)
		}
		if fi.Width < 0 || fi.Height < 0 {
			return nil, fmt.Errorf("item %d has a negative size", i+1)
		}
		items[i] = Item{
			Index:    i + 1,
			Prompt:   strings.TrimSpace(fi.Prompt),
			Provider: fi.Provider,
			Width:    fi.Width,
			Height:   fi.Height,
		}
	}

	return items, nil
}
