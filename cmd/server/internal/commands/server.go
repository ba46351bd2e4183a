package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/wolfeidau/caseflow/internal/auth"
	"github.com/wolfeidau/caseflow/internal/cache"
	"github.com/wolfeidau/caseflow/internal/dispatch"
	"github.com/wolfeidau/caseflow/internal/executor"
	"github.com/wolfeidau/caseflow/internal/jobs"
	"github.com/wolfeidau/caseflow/internal/lifecycle"
	"github.com/wolfeidau/caseflow/internal/logger"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/notify"
	"github.com/wolfeidau/caseflow/internal/progress"
	"github.com/wolfeidau/caseflow/internal/server"
	"github.com/wolfeidau/caseflow/internal/store"
	memorystore "github.com/wolfeidau/caseflow/internal/store/memory"
	postgresstore "github.com/wolfeidau/caseflow/internal/store/postgres"
	"github.com/wolfeidau/caseflow/internal/telemetry"
	"github.com/wolfeidau/caseflow/internal/vault"
)

type ServerCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"CASEFLOW_LISTEN"`
	Cert   string `help:"path to TLS cert file, serves plain HTTP when empty" default:"" env:"CASEFLOW_TLS_CERT"`
	Key    string `help:"path to TLS key file" default:"" env:"CASEFLOW_TLS_KEY"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API requests" env:"CASEFLOW_CORS_ORIGINS"`

	Tracing     bool    `help:"enable tracing" default:"false" env:"CASEFLOW_TRACING"`
	SampleRatio float64 `help:"fraction of root traces sampled" default:"1" env:"CASEFLOW_TRACE_SAMPLE_RATIO"`

	// Store configuration
	StoreType     string             `help:"store type (memory or postgres)" default:"memory" env:"CASEFLOW_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`

	Vault    VaultFlags    `embed:"" prefix:"vault-"`
	Tokens   TokenFlags    `embed:"" prefix:"task-token-"`
	Dispatch DispatchFlags `embed:"" prefix:"dispatch-"`
	Executor ExecutorFlags `embed:"" prefix:"executor-"`
	Logs     LogFlags      `embed:"" prefix:"logs-"`
	Cleanup  CleanupFlags  `embed:"" prefix:"cleanup-"`

	CacheDir string `help:"directory for the shared cache, in-memory when empty" default:"" env:"CASEFLOW_CACHE_DIR"`

	KafkaBrokers []string `help:"Kafka brokers for lifecycle notifications, disabled when empty" env:"CASEFLOW_KAFKA_BROKERS"`
	KafkaTopic   string   `help:"Kafka topic for lifecycle notifications" default:"caseflow.events" env:"CASEFLOW_KAFKA_TOPIC"`
}

type PostgresStoreFlags struct {
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"5"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`

	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"CASEFLOW_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

// VaultFlags select the data key sealing organization credentials. Exactly
// one of key or kms-wrapped-key is required.
type VaultFlags struct {
	Key           string `help:"hex encoded 32 byte data key" env:"CASEFLOW_VAULT_KEY"`
	KMSKeyID      string `name:"kms-key-id" help:"KMS key id that wrapped the data key" env:"CASEFLOW_VAULT_KMS_KEY_ID"`
	KMSWrappedKey string `name:"kms-wrapped-key" help:"base64 data key wrapped by KMS" env:"CASEFLOW_VAULT_KMS_WRAPPED_KEY"`
}

func (v *VaultFlags) keySource(ctx context.Context) (vault.KeySource, error) {
	switch {
	case v.Key != "" && v.KMSWrappedKey != "":
		return nil, errors.New("set only one of --vault-key or --vault-kms-wrapped-key")
	case v.Key != "":
		return vault.StaticKey(v.Key), nil
	case v.KMSWrappedKey != "":
		awscfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return &vault.KMSKey{
			Client:     kms.NewFromConfig(awscfg),
			KeyID:      v.KMSKeyID,
			WrappedKey: v.KMSWrappedKey,
		}, nil
	default:
		return nil, errors.New("vault key is required (--vault-key or --vault-kms-wrapped-key)")
	}
}

type TokenFlags struct {
	Secret string        `help:"secret key for HMAC signing of executor task tokens" env:"CASEFLOW_TASK_TOKEN_SECRET"`
	TTL    time.Duration `help:"task token lifetime" default:"24h" env:"CASEFLOW_TASK_TOKEN_TTL"`
}

func (t *TokenFlags) Validate() error {
	if len(t.Secret) < 32 {
		return errors.New("task token secret must be at least 32 bytes (256 bits) for HMAC-SHA256")
	}
	return nil
}

type DispatchFlags struct {
	MaxRunning   int           `help:"maximum running jobs per organization" default:"3" env:"CASEFLOW_DISPATCH_MAX_RUNNING"`
	Timeout      time.Duration `help:"timeout for handing a job to an executor" default:"30s" env:"CASEFLOW_DISPATCH_TIMEOUT"`
	TickInterval time.Duration `help:"interval for admitting deferred jobs" default:"5s" env:"CASEFLOW_DISPATCH_TICK_INTERVAL"`
}

type ExecutorFlags struct {
	ExtractionURL string        `help:"base URL of the extraction service" env:"CASEFLOW_EXECUTOR_EXTRACTION_URL"`
	AnalysisURL   string        `help:"base URL of the analysis service" env:"CASEFLOW_EXECUTOR_ANALYSIS_URL"`
	CallbackURL   string        `help:"public base URL executors use to report back" default:"http://localhost:8080" env:"CASEFLOW_EXECUTOR_CALLBACK_URL"`
	Timeout       time.Duration `help:"executor request timeout" default:"30s" env:"CASEFLOW_EXECUTOR_TIMEOUT"`
}

type LogFlags struct {
	Retention     time.Duration `help:"how long job log entries are kept" default:"720h" env:"CASEFLOW_LOG_RETENTION"`
	PruneInterval time.Duration `help:"interval between log prunes" default:"1h" env:"CASEFLOW_LOG_PRUNE_INTERVAL"`
}

type CleanupFlags struct {
	StepTimeout   time.Duration `help:"timeout of a single purge step" default:"30s" env:"CASEFLOW_CLEANUP_STEP_TIMEOUT"`
	MaxAttempts   int           `help:"attempts per purge step" default:"3" env:"CASEFLOW_CLEANUP_MAX_ATTEMPTS"`
	SweepInterval time.Duration `help:"interval of the offboard sweep" default:"1m" env:"CASEFLOW_CLEANUP_SWEEP_INTERVAL"`
}

// stores groups the store implementations selected by --store-type.
type stores struct {
	jobs    store.JobStore
	logs    store.LogStore
	orgs    store.OrganizationStore
	cleanup store.CleanupStore
	purger  store.DataPurger
	stop    func() error
}

// component is started after construction and stopped in reverse order.
type component interface {
	Start() error
	Stop() error
}

func (c *ServerCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	zlog.Logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if err := c.Tokens.Validate(); err != nil {
		return err
	}

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "caseflow-server",
			Version:     globals.Version,
			SampleRatio: c.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	st, err := c.openStores(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop stores")
		}
	}()

	keySource, err := c.Vault.keySource(ctx)
	if err != nil {
		return err
	}
	cipher, err := vault.LoadCipher(ctx, keySource)
	if err != nil {
		return fmt.Errorf("failed to load vault key: %w", err)
	}
	log.Info().Str("key_id", cipher.KeyID()).Msg("Credential vault ready")

	sharedCache, err := cache.Open(cache.Config{Dir: c.CacheDir})
	if err != nil {
		return err
	}
	defer sharedCache.Close()
	if err := sharedCache.Start(); err != nil {
		return err
	}

	notifier, err := c.openNotifier()
	if err != nil {
		return err
	}
	defer notifier.Close()

	tokens, err := auth.NewTaskTokens([]byte(c.Tokens.Secret), c.Tokens.TTL)
	if err != nil {
		return err
	}

	ch := progress.New(st.jobs, st.logs, sharedCache, progress.Config{
		Retention:     c.Logs.Retention,
		PruneInterval: c.Logs.PruneInterval,
	})
	disp := dispatch.New(st.jobs, dispatch.Config{
		MaxRunningPerOrg: c.Dispatch.MaxRunning,
		DispatchTimeout:  c.Dispatch.Timeout,
		TickInterval:     c.Dispatch.TickInterval,
	}, tokens, ch, notifier)
	jobMgr := jobs.NewManager(st.jobs, st.orgs, disp, notifier)

	deps := lifecycle.Deps{
		Organizations: st.orgs,
		Cleanups:      st.cleanup,
		Purger:        st.purger,
		Jobs:          jobMgr,
		Cache:         sharedCache,
		Forgetter:     disp,
		Notifier:      notifier,
	}

	extraction, err := c.executorClient("extraction", c.Executor.ExtractionURL)
	if err != nil {
		return err
	}
	if extraction != nil {
		disp.Register(models.JobTypeExtraction, extraction)
		deps.Extraction = extraction
	}
	analysis, err := c.executorClient("analysis", c.Executor.AnalysisURL)
	if err != nil {
		return err
	}
	if analysis != nil {
		disp.Register(models.JobTypeAnalysis, analysis)
		deps.Analysis = analysis
	}

	lc := lifecycle.New(deps, lifecycle.Config{
		StepTimeout:   c.Cleanup.StepTimeout,
		MaxAttempts:   c.Cleanup.MaxAttempts,
		SweepInterval: c.Cleanup.SweepInterval,
	})
	purges := lifecycle.NewPurgeExecutor(lc, disp)
	disp.Register(models.JobTypeOffboard, purges)

	if _, err := lc.EnsureDefault(ctx); err != nil {
		return fmt.Errorf("failed to provision default organization: %w", err)
	}
	if err := disp.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}

	components := []component{ch, disp, lc}
	for i, comp := range components {
		if err := comp.Start(); err != nil {
			stopAll(log, components[:i])
			return err
		}
	}
	defer func() {
		stopAll(log, components)
		purges.Wait()
	}()

	handler, err := server.New(server.Config{
		Jobs:        jobMgr,
		Progress:    ch,
		Lifecycle:   lc,
		Vault:       vault.New(st.orgs, cipher),
		Events:      disp,
		Tokens:      tokens,
		Logger:      log,
		CORSOrigins: c.CORSOrigins,
	})
	if err != nil {
		return err
	}

	return c.serve(ctx, log, configureHTTPServer(c.Listen, handler))
}

func (c *ServerCmd) openStores(ctx context.Context) (*stores, error) {
	switch c.StoreType {
	case "postgres":
		if err := c.PostgresStore.Validate(); err != nil {
			return nil, err
		}
		db, err := postgresstore.Open(ctx, &postgresstore.Config{
			Pool: postgresstore.PoolConfig{
				ConnString:      c.PostgresStore.ConnString,
				MaxConns:        c.PostgresStore.MaxConns,
				MinConns:        c.PostgresStore.MinConns,
				MaxConnLifetime: c.PostgresStore.MaxConnLifetime,
				MaxConnIdleTime: c.PostgresStore.MaxConnIdleTime,
			},
			AutoMigrate: c.PostgresStore.AutoMigrate,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		if err := db.Start(); err != nil {
			return nil, err
		}
		zlog.Info().Msg("Using PostgreSQL stores with shared connection pool")

		return &stores{
			jobs:    postgresstore.NewJobStore(db.Pool),
			logs:    postgresstore.NewLogStore(db.Pool),
			orgs:    postgresstore.NewOrganizationStore(db.Pool),
			cleanup: postgresstore.NewCleanupStore(db.Pool),
			purger:  postgresstore.NewDataPurger(db.Pool),
			stop:    db.Stop,
		}, nil

	default:
		jobStore := memorystore.NewJobStore()
		logStore := memorystore.NewLogStore(jobStore)
		zlog.Info().Msg("Using in-memory stores")

		return &stores{
			jobs:    jobStore,
			logs:    logStore,
			orgs:    memorystore.NewOrganizationStore(),
			cleanup: memorystore.NewCleanupStore(),
			purger:  memorystore.NewDataPurger(jobStore, logStore),
			stop:    func() error { return nil },
		}, nil
	}
}

func (c *ServerCmd) openNotifier() (notify.Publisher, error) {
	if len(c.KafkaBrokers) == 0 {
		return notify.Nop{}, nil
	}
	return notify.NewKafkaPublisher(c.KafkaBrokers, c.KafkaTopic)
}

// executorClient returns nil when the service is not configured; jobs of
// that type then fail at dispatch with executor_unavailable.
func (c *ServerCmd) executorClient(name, baseURL string) (*executor.Client, error) {
	if baseURL == "" {
		return nil, nil
	}
	client, err := executor.New(executor.Config{
		Name:            name,
		BaseURL:         baseURL,
		CallbackBaseURL: c.Executor.CallbackURL,
		Timeout:         c.Executor.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure %s executor: %w", name, err)
	}
	return client, nil
}

func (c *ServerCmd) serve(ctx context.Context, log zerolog.Logger, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		tls := c.Cert != "" && c.Key != ""
		log.Info().Str("addr", c.Listen).Bool("tls", tls).Msg("Starting HTTP server")
		if tls {
			errCh <- srv.ListenAndServeTLS(c.Cert, c.Key)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func stopAll(log zerolog.Logger, components []component) {
	for i := len(components) - 1; i >= 0; i-- {
		if err := components[i].Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop component")
		}
	}
}
