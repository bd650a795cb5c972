package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

// RedisConfig describes how to reach the shared valkey/redis instance.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
	// Namespace prefixes every key so several deployments can share a database.
	Namespace string
	TTL       time.Duration
}

type valkeyCache struct {
	client    valkey.Client
	namespace string
	ttl       time.Duration
}

// NewRedis connects to valkey and verifies the connection with PING.
func NewRedis(cfg RedisConfig) (Cache, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return &valkeyCache{client: client, namespace: cfg.Namespace, ttl: cfg.TTL}, nil
}

func (c *valkeyCache) key(key string) string {
	if c.namespace == "" {
		return key
	}
	return c.namespace + ":" + key
}

func (c *valkeyCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := c.client.Do(ctx, c.client.B().Get().Key(c.key(key)).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: get %s: %v", ErrTransport, key, err)
	}
	return payload, true, nil
}

func (c *valkeyCache) Set(ctx context.Context, key string, value []byte) error {
	var cmd valkey.Completed
	if c.ttl > 0 {
		cmd = c.client.B().Set().Key(c.key(key)).Value(valkey.BinaryString(value)).Px(c.ttl).Build()
	} else {
		cmd = c.client.B().Set().Key(c.key(key)).Value(valkey.BinaryString(value)).Build()
	}
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrTransport, key, err)
	}
	return nil
}

func (c *valkeyCache) Add(ctx context.Context, key string, value []byte) (bool, error) {
	var cmd valkey.Completed
	if c.ttl > 0 {
		cmd = c.client.B().Set().Key(c.key(key)).Value(valkey.BinaryString(value)).Nx().Px(c.ttl).Build()
	} else {
		cmd = c.client.B().Set().Key(c.key(key)).Value(valkey.BinaryString(value)).Nx().Build()
	}
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: add %s: %v", ErrTransport, key, err)
	}
	return true, nil
}

func (c *valkeyCache) Delete(ctx context.Context, key string) (DeleteResult, error) {
	removed, err := c.client.Do(ctx, c.client.B().Del().Key(c.key(key)).Build()).AsInt64()
	if err != nil {
		return TransportError, fmt.Errorf("%w: delete %s: %v", ErrTransport, key, err)
	}
	if removed == 0 {
		return NotFound, nil
	}
	return Deleted, nil
}

// FlushAll drops every key under the namespace, or the whole database when no
// namespace is configured.
func (c *valkeyCache) FlushAll(ctx context.Context) error {
	if c.namespace == "" {
		if err := c.client.Do(ctx, c.client.B().Flushdb().Build()).Error(); err != nil {
			return fmt.Errorf("%w: flushdb: %v", ErrTransport, err)
		}
		return nil
	}
	var cursor uint64
	for {
		entry, err := c.client.Do(ctx, c.client.B().Scan().Cursor(cursor).Match(c.namespace+":*").Count(500).Build()).AsScanEntry()
		if err != nil {
			return fmt.Errorf("%w: scan: %v", ErrTransport, err)
		}
		if len(entry.Elements) > 0 {
			if err := c.client.Do(ctx, c.client.B().Del().Key(entry.Elements...).Build()).Error(); err != nil {
				return fmt.Errorf("%w: flush delete: %v", ErrTransport, err)
			}
		}
		if entry.Cursor == 0 {
			return nil
		}
		cursor = entry.Cursor
	}
}

func (c *valkeyCache) Close(context.Context) error {
	c.client.Close()
	return nil
}
