package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// StaticConfigLoader serves a fixed raw map, typically produced by an
// env or file reader at start-up.
type StaticConfigLoader struct {
	Values map[string]any
}

func (l StaticConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	return copyAnyMap(l.Values), nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			ConfigToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			ConfigToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			ConfigToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// LoadConfig resolves defaults < provider < runtime overrides.
func LoadConfig(ctx context.Context, provider ConfigProvider, runtime Config) (Config, error) {
	defaults := DefaultConfig()
	loaded := defaults
	if provider != nil {
		var err error
		loaded, err = provider.Load(ctx, defaults)
		if err != nil {
			return Config{}, err
		}
	}
	return GoOptionsResolver{}.Resolve(defaults, loaded, runtime)
}

// ConfigToLayerMap flattens cfg into a koanf-keyed map. Zero values are
// skipped unless includeZero is set, so sparse layers do not mask lower ones.
func ConfigToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.Source) != "" {
		layer["source"] = cfg.Source
	}
	if includeZero || cfg.MaxAttempts != 0 {
		layer["max_attempts"] = cfg.MaxAttempts
	}
	if includeZero || cfg.StuckAfter != 0 {
		layer["stuck_after"] = cfg.StuckAfter
	}
	if includeZero || cfg.HandlerTimeout != 0 {
		layer["handler_timeout"] = cfg.HandlerTimeout
	}
	if includeZero || cfg.ClassifyTimeout != 0 {
		layer["classify_timeout"] = cfg.ClassifyTimeout
	}
	if includeZero || cfg.AccountCacheTTL != 0 {
		layer["account_cache_ttl"] = cfg.AccountCacheTTL
	}

	alerts := map[string]any{}
	if includeZero || cfg.Alerts.BatchSize != 0 {
		alerts["batch_size"] = cfg.Alerts.BatchSize
	}
	if includeZero || cfg.Alerts.MaxAttempts != 0 {
		alerts["max_attempts"] = cfg.Alerts.MaxAttempts
	}
	if includeZero || cfg.Alerts.InitialBackoff != 0 {
		alerts["initial_backoff"] = cfg.Alerts.InitialBackoff
	}
	if includeZero || cfg.Alerts.MaxBackoff != 0 {
		alerts["max_backoff"] = cfg.Alerts.MaxBackoff
	}
	if len(alerts) > 0 {
		layer["alerts"] = alerts
	}
	return layer
}
