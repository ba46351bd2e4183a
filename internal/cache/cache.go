// Package cache is the shared derived-state cache. Every key lives under an
// organization namespace so a purge can drop an organization in one call.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config configures the cache database.
type Config struct {
	// Dir holds the database files. Empty means in-memory.
	Dir string

	// GCInterval is how often value log GC runs for on-disk databases.
	GCInterval time.Duration
}

// Cache is a Badger-backed key/value cache namespaced by organization.
type Cache struct {
	db  *badger.DB
	cfg Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open opens the cache database.
func Open(cfg Config) (*Cache, error) {
	var opts badger.Options
	if cfg.Dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	if cfg.GCInterval == 0 {
		cfg.GCInterval = 5 * time.Minute
	}

	opts = opts.WithLogger(&badgerLogger{logger: log.With().Str("component", "badger").Logger()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	return &Cache{db: db, cfg: cfg, stopCh: make(chan struct{})}, nil
}

// Start runs value log GC for on-disk databases.
func (c *Cache) Start() error {
	if c.cfg.Dir == "" {
		return nil
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.cfg.GCInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := c.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
					log.Warn().Err(err).Msg("Cache value log GC failed")
				}
			case <-c.stopCh:
				return
			}
		}
	}()

	return nil
}

// Close stops GC and closes the database.
func (c *Cache) Close() error {
	close(c.stopCh)
	c.wg.Wait()
	return c.db.Close()
}

func namespace(orgID uuid.UUID) []byte {
	return []byte("org/" + orgID.String() + "/")
}

func key(orgID uuid.UUID, k string) []byte {
	return append(namespace(orgID), k...)
}

// Set stores value under the organization's namespace. A zero ttl never expires.
func (c *Cache) Set(ctx context.Context, orgID uuid.UUID, k string, value []byte, ttl time.Duration) error {
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key(orgID, k), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// Get returns the value and whether it was present.
func (c *Cache) Get(ctx context.Context, orgID uuid.UUID, k string) ([]byte, bool, error) {
	var value []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(orgID, k))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return value, true, nil
}

// Delete removes one key.
func (c *Cache) Delete(ctx context.Context, orgID uuid.UUID, k string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(orgID, k))
	})
}

// DeleteOrganization drops every key in the organization's namespace.
// Dropping an empty namespace succeeds.
func (c *Cache) DeleteOrganization(ctx context.Context, orgID uuid.UUID) error {
	if err := c.db.DropPrefix(namespace(orgID)); err != nil {
		return fmt.Errorf("cache drop organization %s: %w", orgID, err)
	}
	log.Debug().Str("org_id", orgID.String()).Msg("Dropped organization cache namespace")
	return nil
}

// badgerLogger adapts zerolog to badger.Logger.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l *badgerLogger) Errorf(f string, v ...any)   { l.logger.Error().Msgf(f, v...) }
func (l *badgerLogger) Warningf(f string, v ...any) { l.logger.Warn().Msgf(f, v...) }
func (l *badgerLogger) Infof(f string, v ...any)    { l.logger.Debug().Msgf(f, v...) }
func (l *badgerLogger) Debugf(f string, v ...any)   { l.logger.Trace().Msgf(f, v...) }
