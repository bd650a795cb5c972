package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option plus the ranking constants the engine is built from.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Ranking     RankingConfig     `koanf:"ranking"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen  ListenConfig      `koanf:"listen"`
	Logging LoggingConfig     `koanf:"logging"`
	Cache   ServerCacheConfig `koanf:"cache"`
	Store   ServerStoreConfig `koanf:"store"`
	Request RequestConfig     `koanf:"request"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type ServerCacheConfig struct {
	Backend    string                 `koanf:"backend"`
	TTLSeconds int                    `koanf:"ttlSeconds"`
	Namespace  string                 `koanf:"namespace"`
	Redis      ServerRedisCacheConfig `koanf:"redis"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// ServerStoreConfig selects the durable score store.
type ServerStoreConfig struct {
	Backend   string               `koanf:"backend"`
	Partition string               `koanf:"partition"`
	Postgres  ServerPostgresConfig `koanf:"postgres"`
}

type ServerPostgresConfig struct {
	DSN         string `koanf:"dsn"`
	Driver      string `koanf:"driver"`
	AutoMigrate bool   `koanf:"autoMigrate"`
}

// RequestConfig shapes how the submission endpoint reads client requests.
type RequestConfig struct {
	LocationHeader string `koanf:"locationHeader"`
	MaxBodyBytes   int64  `koanf:"maxBodyBytes"`
}

// RankingConfig carries the fixed constants of the ranking engine. None of them
// are reloadable; the engine captures them once at startup.
type RankingConfig struct {
	NameMaxLength      int      `koanf:"nameMaxLength"`
	CommentMaxLength   int      `koanf:"commentMaxLength"`
	TopListLength      int      `koanf:"topListLength"`
	WeekWindowSeconds  int      `koanf:"weekWindowSeconds"`
	Controls           []string `koanf:"controls"`
	WorldLocation      string   `koanf:"worldLocation"`
	WeekLocation       string   `koanf:"weekLocation"`
	UnknownLocation    string   `koanf:"unknownLocation"`
	SubmitSecret       string   `koanf:"submitSecret"`
	ReflagChunkSize    int      `koanf:"reflagChunkSize"`
	ReflagFetchLimit   int      `koanf:"reflagFetchLimit"`
	DeleteBatchSize    int      `koanf:"deleteBatchSize"`
	SweepBudgetSeconds int      `koanf:"sweepBudgetSeconds"`
}

// WeekWindow is the trailing span that defines the rolling week partition.
func (r RankingConfig) WeekWindow() time.Duration {
	return time.Duration(r.WeekWindowSeconds) * time.Second
}

// SweepBudget bounds one invocation of the multi-location duplicate sweep.
func (r RankingConfig) SweepBudget() time.Duration {
	return time.Duration(r.SweepBudgetSeconds) * time.Second
}

// MaintenanceConfig schedules the out-of-band jobs. Zero disables a job.
type MaintenanceConfig struct {
	ReflagIntervalSeconds     int `koanf:"reflagIntervalSeconds"`
	DeepReflagIntervalSeconds int `koanf:"deepReflagIntervalSeconds"`
	AggregatesIntervalSeconds int `koanf:"aggregatesIntervalSeconds"`
	SweepIntervalSeconds      int `koanf:"sweepIntervalSeconds"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Cache.TTLSeconds < 0 {
		return fmt.Errorf("config: server.cache.ttlSeconds invalid: %d", c.Server.Cache.TTLSeconds)
	}
	switch strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	switch strings.TrimSpace(strings.ToLower(c.Server.Store.Backend)) {
	case "", "memory":
	case "postgres":
		if strings.TrimSpace(c.Server.Store.Postgres.DSN) == "" {
			return errors.New("config: server.store.postgres.dsn required for postgres backend")
		}
		switch strings.TrimSpace(strings.ToLower(c.Server.Store.Postgres.Driver)) {
		case "", "pgdriver", "pgx":
		default:
			return fmt.Errorf("config: server.store.postgres.driver unsupported: %s", c.Server.Store.Postgres.Driver)
		}
	default:
		return fmt.Errorf("config: server.store.backend unsupported: %s", c.Server.Store.Backend)
	}
	if strings.TrimSpace(c.Server.Store.Partition) == "" {
		return errors.New("config: server.store.partition required")
	}
	return c.Ranking.validate()
}

func (r RankingConfig) validate() error {
	if r.NameMaxLength <= 0 {
		return fmt.Errorf("config: ranking.nameMaxLength invalid: %d", r.NameMaxLength)
	}
	if r.CommentMaxLength < 0 {
		return fmt.Errorf("config: ranking.commentMaxLength invalid: %d", r.CommentMaxLength)
	}
	if r.TopListLength <= 0 {
		return fmt.Errorf("config: ranking.topListLength invalid: %d", r.TopListLength)
	}
	if r.WeekWindowSeconds <= 0 {
		return fmt.Errorf("config: ranking.weekWindowSeconds invalid: %d", r.WeekWindowSeconds)
	}
	if len(r.Controls) == 0 {
		return errors.New("config: ranking.controls requires at least one control scheme")
	}
	seen := make(map[string]struct{}, len(r.Controls))
	for i, control := range r.Controls {
		if strings.TrimSpace(control) == "" {
			return fmt.Errorf("config: ranking.controls[%d] empty", i)
		}
		if _, dup := seen[control]; dup {
			return fmt.Errorf("config: ranking.controls[%d] duplicate: %s", i, control)
		}
		seen[control] = struct{}{}
	}
	world := strings.TrimSpace(r.WorldLocation)
	week := strings.TrimSpace(r.WeekLocation)
	if world == "" || week == "" {
		return errors.New("config: ranking.worldLocation and ranking.weekLocation required")
	}
	if world == week {
		return errors.New("config: ranking.worldLocation and ranking.weekLocation must differ")
	}
	if strings.TrimSpace(r.UnknownLocation) == "" {
		return errors.New("config: ranking.unknownLocation required")
	}
	if r.ReflagChunkSize <= 0 || r.ReflagFetchLimit <= 0 || r.DeleteBatchSize <= 0 {
		return errors.New("config: ranking batch sizes must be positive")
	}
	if r.SweepBudgetSeconds <= 0 {
		return fmt.Errorf("config: ranking.sweepBudgetSeconds invalid: %d", r.SweepBudgetSeconds)
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Cache: ServerCacheConfig{
				Backend:    "memory",
				TTLSeconds: 600,
				Namespace:  "topscores:v1",
			},
			Store: ServerStoreConfig{
				Backend:   "memory",
				Partition: "all_scores",
				Postgres: ServerPostgresConfig{
					Driver: "pgdriver",
				},
			},
			Request: RequestConfig{
				LocationHeader: "X-Country-Code",
				MaxBodyBytes:   1 << 20,
			},
		},
		Ranking: RankingConfig{
			NameMaxLength:      20,
			CommentMaxLength:   50,
			TopListLength:      50,
			WeekWindowSeconds:  60 * 60 * 24 * 7,
			Controls:           []string{"tilt", "touch"},
			WorldLocation:      "location_world",
			WeekLocation:       "location_week",
			UnknownLocation:    "n/a",
			ReflagChunkSize:    100,
			ReflagFetchLimit:   1000,
			DeleteBatchSize:    400,
			SweepBudgetSeconds: 25,
		},
		Maintenance: MaintenanceConfig{
			ReflagIntervalSeconds: 60 * 60,
			SweepIntervalSeconds:  15 * 60,
		},
	}
}
