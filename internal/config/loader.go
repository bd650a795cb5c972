package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// canonicalKeys restores the camelCase spelling koanf expects for env overrides,
// since environment variable names carry no case information.
var canonicalKeys = map[string]string{
	"server.cache.ttlseconds":               "server.cache.ttlSeconds",
	"server.cache.redis.tls.cafile":         "server.cache.redis.tls.caFile",
	"server.store.postgres.automigrate":     "server.store.postgres.autoMigrate",
	"server.request.locationheader":         "server.request.locationHeader",
	"server.request.maxbodybytes":           "server.request.maxBodyBytes",
	"ranking.namemaxlength":                 "ranking.nameMaxLength",
	"ranking.commentmaxlength":              "ranking.commentMaxLength",
	"ranking.toplistlength":                 "ranking.topListLength",
	"ranking.weekwindowseconds":             "ranking.weekWindowSeconds",
	"ranking.worldlocation":                 "ranking.worldLocation",
	"ranking.weeklocation":                  "ranking.weekLocation",
	"ranking.unknownlocation":               "ranking.unknownLocation",
	"ranking.submitsecret":                  "ranking.submitSecret",
	"ranking.reflagchunksize":               "ranking.reflagChunkSize",
	"ranking.reflagfetchlimit":              "ranking.reflagFetchLimit",
	"ranking.deletebatchsize":               "ranking.deleteBatchSize",
	"ranking.sweepbudgetseconds":            "ranking.sweepBudgetSeconds",
	"maintenance.reflagintervalseconds":     "maintenance.reflagIntervalSeconds",
	"maintenance.deepreflagintervalseconds": "maintenance.deepReflagIntervalSeconds",
	"maintenance.aggregatesintervalseconds": "maintenance.aggregatesIntervalSeconds",
	"maintenance.sweepintervalseconds":      "maintenance.sweepIntervalSeconds",
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonicalKeys[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Ranking.Controls = normalizeControls(cfg.Ranking.Controls)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file type %q", filepath.Ext(path))
	}
}

// normalizeControls trims entries so comma separated env values behave like list literals.
func normalizeControls(in []string) []string {
	out := make([]string, 0, len(in))
	for _, control := range in {
		if trimmed := strings.TrimSpace(control); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"cache": map[string]any{
				"backend":    cfg.Server.Cache.Backend,
				"ttlSeconds": cfg.Server.Cache.TTLSeconds,
				"namespace":  cfg.Server.Cache.Namespace,
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
			},
			"store": map[string]any{
				"backend":   cfg.Server.Store.Backend,
				"partition": cfg.Server.Store.Partition,
				"postgres": map[string]any{
					"dsn":         cfg.Server.Store.Postgres.DSN,
					"driver":      cfg.Server.Store.Postgres.Driver,
					"autoMigrate": cfg.Server.Store.Postgres.AutoMigrate,
				},
			},
			"request": map[string]any{
				"locationHeader": cfg.Server.Request.LocationHeader,
				"maxBodyBytes":   cfg.Server.Request.MaxBodyBytes,
			},
		},
		"ranking": map[string]any{
			"nameMaxLength":      cfg.Ranking.NameMaxLength,
			"commentMaxLength":   cfg.Ranking.CommentMaxLength,
			"topListLength":      cfg.Ranking.TopListLength,
			"weekWindowSeconds":  cfg.Ranking.WeekWindowSeconds,
			"controls":           cfg.Ranking.Controls,
			"worldLocation":      cfg.Ranking.WorldLocation,
			"weekLocation":       cfg.Ranking.WeekLocation,
			"unknownLocation":    cfg.Ranking.UnknownLocation,
			"submitSecret":       cfg.Ranking.SubmitSecret,
			"reflagChunkSize":    cfg.Ranking.ReflagChunkSize,
			"reflagFetchLimit":   cfg.Ranking.ReflagFetchLimit,
			"deleteBatchSize":    cfg.Ranking.DeleteBatchSize,
			"sweepBudgetSeconds": cfg.Ranking.SweepBudgetSeconds,
		},
		"maintenance": map[string]any{
			"reflagIntervalSeconds":     cfg.Maintenance.ReflagIntervalSeconds,
			"deepReflagIntervalSeconds": cfg.Maintenance.DeepReflagIntervalSeconds,
			"aggregatesIntervalSeconds": cfg.Maintenance.AggregatesIntervalSeconds,
			"sweepIntervalSeconds":      cfg.Maintenance.SweepIntervalSeconds,
		},
	}
}
