package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// ValkeyTLSConfig carries the optional TLS material for the shared store.
type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

// ValkeyConfig addresses the shared store instance.
type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      ValkeyTLSConfig
}

type valkeyStore struct {
	counters
	client valkey.Client
}

// NewValkey connects to the shared store and verifies reachability before
// returning. Entries are JSON documents expired server-side via PX.
func NewValkey(cfg ValkeyConfig) (Store, error) {
	client, err := dialValkey(cfg)
	if err != nil {
		return nil, err
	}
	return &valkeyStore{client: client}, nil
}

// NewValkeyWithClient wraps an existing client, sharing the connection with
// other store consumers such as the rate limiter.
func NewValkeyWithClient(client valkey.Client) Store {
	return &valkeyStore{client: client}
}

// DialValkey exposes client construction so the rate limiter and cache can
// share one connection pool.
func DialValkey(cfg ValkeyConfig) (valkey.Client, error) {
	return dialValkey(cfg)
}

func dialValkey(cfg ValkeyConfig) (valkey.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: valkey address required")
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
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: valkey ping: %w", err)
	}
	return client, nil
}

func (c *valkeyStore) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	resp := c.client.Do(ctx, c.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			c.recordMiss()
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: valkey get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: valkey get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: valkey unmarshal: %w", err)
	}
	c.recordHit()
	return entry, true, nil
}

func (c *valkeyStore) Store(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	entry.ExpiresAt = entry.StoredAt.Add(ttl)
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: valkey marshal: %w", err)
	}
	cmd := c.client.B().Set().Key(key).Value(valkey.BinaryString(payload)).Px(ttl).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: valkey set: %w", err)
	}
	return nil
}

// InvalidatePattern scans the keyspace for the prefix and deletes matches in
// batches. Invalidation is rare relative to reads so the scan cost is
// acceptable.
func (c *valkeyStore) InvalidatePattern(ctx context.Context, prefix string) (int64, error) {
	if prefix == "" {
		return 0, nil
	}
	pattern := prefix + "*"
	var cursor uint64
	var deleted int64
	for {
		resp := c.client.Do(ctx, c.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build())
		entry, err := resp.AsScanEntry()
		if err != nil {
			return deleted, fmt.Errorf("cache: valkey scan: %w", err)
		}
		if len(entry.Elements) > 0 {
			del := c.client.B().Del().Key(entry.Elements...).Build()
			count, err := c.client.Do(ctx, del).ToInt64()
			if err != nil {
				return deleted, fmt.Errorf("cache: valkey del: %w", err)
			}
			deleted += count
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (c *valkeyStore) Stats() Stats {
	return c.snapshot()
}

func (c *valkeyStore) Size(ctx context.Context) (int64, error) {
	size, err := c.client.Do(ctx, c.client.B().Dbsize().Build()).ToInt64()
	if err != nil {
		return 0, fmt.Errorf("cache: valkey dbsize: %w", err)
	}
	return size, nil
}

func (c *valkeyStore) Ping(ctx context.Context) error {
	if err := c.client.Do(ctx, c.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("cache: valkey ping: %w", err)
	}
	return nil
}

func (c *valkeyStore) Close(context.Context) error {
	c.client.Close()
	return nil
}
