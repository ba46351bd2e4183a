package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB owns the connection pool shared by the PostgreSQL stores.
type DB struct {
	Pool *pgxpool.Pool
	cfg  *Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open connects to PostgreSQL and, when enabled, applies migrations.
func Open(ctx context.Context, cfg *Config) (*DB, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pool, err := NewPool(ctx, &cfg.Pool)
	if err != nil {
		return nil, err
	}

	connCfg := pool.Config().ConnConfig
	log.Info().
		Str("database", connCfg.Database).
		Str("host", connCfg.Host).
		Int32("max_conns", cfg.Pool.MaxConns).
		Msg("Connected to PostgreSQL")

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info().Msg("Database migrations completed")
	}

	return &DB{
		Pool:   pool,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins periodic pool monitoring.
func (db *DB) Start() error {
	db.wg.Add(1)
	go func() {
		defer db.wg.Done()
		db.monitorConnectionPool()
	}()
	return nil
}

// Stop halts monitoring and closes the pool.
func (db *DB) Stop() error {
	close(db.stopCh)
	db.wg.Wait()
	db.Pool.Close()
	log.Info().Msg("PostgreSQL connection pool closed")
	return nil
}

func (db *DB) monitorConnectionPool() {
	ticker := time.NewTicker(seconds(db.cfg.MonitorIntervalSeconds))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := db.Pool.Stat()
			log.Debug().
				Int32("total_conns", stats.TotalConns()).
				Int32("idle_conns", stats.IdleConns()).
				Int32("acquired_conns", stats.AcquiredConns()).
				Int64("acquire_count", stats.AcquireCount()).
				Dur("acquire_duration", stats.AcquireDuration()).
				Msg("Connection pool stats")
		case <-db.stopCh:
			return
		}
	}
}
