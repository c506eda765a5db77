// Package catalog is the static table of known backends. It is the only place
// that maps a provider name to a constructor.
package catalog

import (
	"strings"

	"go.uber.org/zap"

	"github.com/manash/imgrelay/internal/poller"
	"github.com/manash/imgrelay/internal/provider"
	"github.com/manash/imgrelay/internal/provider/openai"
	"github.com/manash/imgrelay/internal/provider/ppio"
	"github.com/manash/imgrelay/internal/provider/qianfan"
	"github.com/manash/imgrelay/internal/provider/tongyi"
	"github.com/manash/imgrelay/internal/provider/volcengine"
	"github.com/manash/imgrelay/internal/provider/xunfei"
	"github.com/manash/imgrelay/internal/provider/zhipu"
)

// Deps are the shared collaborators handed to every constructor.
type Deps struct {
	Poller *poller.Poller
	Logger *zap.Logger
}

type Entry struct {
	Name    string
	Aliases []string
	// Present reports whether the mandatory identifying fields were supplied at all.
	// A present but blank credential still builds the backend; IsConfigured rejects it.
	Present func(provider.Config) bool
	New     func(provider.Config, Deps) provider.Capability
}

func hasAPIKey(c provider.Config) bool { return c.APIKey != "" }

// Entries in registration order, which is also the default fallback order.
var Entries = []Entry{
	{
		Name:    zhipu.Name,
		Present: hasAPIKey,
		New: func(c provider.Config, d Deps) provider.Capability {
			return zhipu.New(c, d.Logger)
		},
	},
	{
		Name:    qianfan.Name,
		Aliases: []string{"wenxin"},
		Present: func(c provider.Config) bool { return c.AccessToken != "" },
		New: func(c provider.Config, d Deps) provider.Capability {
			return qianfan.New(c, d.Logger)
		},
	},
	{
		Name:    ppio.Name,
		Present: hasAPIKey,
		New: func(c provider.Config, d Deps) provider.Capability {
			return ppio.New(c, d.Poller, d.Logger)
		},
	},
	{
		Name:    tongyi.Name,
		Aliases: []string{"wanxiang"},
		Present: hasAPIKey,
		New: func(c provider.Config, d Deps) provider.Capability {
			return tongyi.New(c, d.Poller, d.Logger)
		},
	},
	{
		Name:    volcengine.Name,
		Aliases: []string{"huoshan"},
		Present: hasAPIKey,
		New: func(c provider.Config, d Deps) provider.Capability {
			return volcengine.New(c, d.Logger)
		},
	},
	{
		Name:    xunfei.Name,
		Aliases: []string{"spark"},
		Present: func(c provider.Config) bool {
			return c.AppID != "" && c.APIKey != "" && c.APISecret != ""
		},
		New: func(c provider.Config, d Deps) provider.Capability {
			return xunfei.New(c, d.Logger)
		},
	},
	{
		Name:    openai.Name,
		Present: hasAPIKey,
		New: func(c provider.Config, d Deps) provider.Capability {
			return openai.New(c, d.Logger)
		},
	},
}

// Lookup resolves a provider name or alias, case-insensitively.
func Lookup(name string) (Entry, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, e := range Entries {
		if e.Name == name {
			return e, true
		}
		for _, a := range e.Aliases {
			if a == name {
				return e, true
			}
		}
	}
	return Entry{}, false
}

// Names lists every known provider in registration order.
func Names() []string {
	names := make([]string, len(Entries))
	for i, e := range Entries {
		names[i] = e.Name
	}
	return names
}

// Build instantiates every backend whose mandatory fields are present in configs
// and returns them as a read-only registry.
func Build(configs map[string]provider.Config, deps Deps) *provider.Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Poller == nil {
		deps.Poller = poller.New(0, 0, deps.Logger)
	}
	log := deps.Logger.With(zap.String("component", "catalog"))

	var caps []provider.Capability
	for _, e := range Entries {
		cfg, ok := configs[e.Name]
		if !ok || !e.Present(cfg) {
			log.Debug("provider skipped", zap.String("provider", e.Name))
			continue
		}
		c := e.New(cfg, deps)
		caps = append(caps, c)
		log.Info("provider loaded", zap.String("provider", e.Name), zap.Bool("active", c.IsConfigured()))
	}

	reg := provider.NewRegistry(caps...)
	if len(reg.Active()) == 0 {
		log.Warn("no active providers")
	}
	return reg
}
