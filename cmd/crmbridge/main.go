package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/agentworkforce/crmbridge/internal/bridge"
	"github.com/agentworkforce/crmbridge/internal/httpapi"
	"github.com/agentworkforce/crmbridge/internal/mapping"
	"github.com/agentworkforce/crmbridge/internal/remote"
	"github.com/agentworkforce/crmbridge/internal/syncstate"
)

type config struct {
	Addr         string `env:"CRMBRIDGE_ADDR" envDefault:":8080"`
	WebhookToken string `env:"CRMBRIDGE_WEBHOOK_TOKEN"`
	MaxBodyBytes int64  `env:"CRMBRIDGE_MAX_BODY_BYTES"`

	StorageProfile string `env:"CRMBRIDGE_STORAGE_PROFILE"`
	DataDir        string `env:"CRMBRIDGE_DATA_DIR" envDefault:".crmbridge"`
	StateDSN       string `env:"CRMBRIDGE_STATE_DSN"`
	ProductionDSN  string `env:"CRMBRIDGE_PRODUCTION_DSN"`

	MappingFile  string `env:"CRMBRIDGE_MAPPING_FILE" envDefault:"mapping.json"`
	MappingWatch bool   `env:"CRMBRIDGE_MAPPING_WATCH" envDefault:"true"`

	LedgerBaseURL   string        `env:"CRMBRIDGE_LEDGER_BASE_URL"`
	LedgerAPIToken  string        `env:"CRMBRIDGE_LEDGER_API_TOKEN"`
	LedgerRateMax   int           `env:"CRMBRIDGE_LEDGER_RATE_MAX" envDefault:"40"`
	LedgerRateEvery time.Duration `env:"CRMBRIDGE_LEDGER_RATE_EVERY" envDefault:"2s"`

	CollabBaseURL    string        `env:"CRMBRIDGE_COLLAB_BASE_URL"`
	CollabEmail      string        `env:"CRMBRIDGE_COLLAB_EMAIL"`
	CollabAPIKey     string        `env:"CRMBRIDGE_COLLAB_API_KEY"`
	CollabRateMax    int           `env:"CRMBRIDGE_COLLAB_RATE_MAX"`
	CollabRateEvery  time.Duration `env:"CRMBRIDGE_COLLAB_RATE_EVERY"`
	CollabNaturalKey string        `env:"CRMBRIDGE_COLLAB_NATURAL_KEY_FIELD"`
	CollabForeignID  string        `env:"CRMBRIDGE_COLLAB_FOREIGN_ID_FIELD"`
	CollabTimeZone   string        `env:"CRMBRIDGE_COLLAB_TIMEZONE"`

	// LedgerRoutes maps a polled ledger stream to the collab folder it
	// syncs into, e.g. "deals=folder-a1,persons=folder-b2".
	LedgerRoutes map[string]string `env:"CRMBRIDGE_LEDGER_ROUTES" envSeparator:"," envKeyValSeparator:"="`
	// CollabRoutes maps a polled collab folder to the ledger stream it
	// syncs into.
	CollabRoutes map[string]string `env:"CRMBRIDGE_COLLAB_ROUTES" envSeparator:"," envKeyValSeparator:"="`

	PollInterval time.Duration `env:"CRMBRIDGE_POLL_INTERVAL" envDefault:"15s"`
	PageLimit    int           `env:"CRMBRIDGE_PAGE_LIMIT" envDefault:"100"`
	Lookback     time.Duration `env:"CRMBRIDGE_LOOKBACK"`
	MaxStaleness time.Duration `env:"CRMBRIDGE_MAX_STALENESS" envDefault:"1h"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment: %v", err)
	}

	logger := log.New(os.Stderr, "crmbridge ", log.LstdFlags|log.LUTC)

	store, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("failed to initialize state store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("close state store: %v", err)
		}
	}()

	mappings, err := buildMappings(cfg, logger)
	if err != nil {
		log.Fatalf("failed to load mapping config: %v", err)
	}
	if closer, ok := mappings.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	service, err := buildService(cfg, store, mappings, logger)
	if err != nil {
		log.Fatalf("failed to assemble sync engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go service.Run(ctx)

	server := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewServerWithConfig(service, httpapi.ServerConfig{
			WebhookToken: cfg.WebhookToken,
			MaxBodyBytes: cfg.MaxBodyBytes,
		}),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Printf("listening on %s", cfg.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	logger.Printf("shut down")
}

func buildStore(cfg config) (syncstate.Store, error) {
	dsn, err := storageProfileDSN(cfg)
	if err != nil {
		return nil, err
	}
	if explicit := strings.TrimSpace(cfg.StateDSN); explicit != "" {
		dsn = explicit
	}
	if dsn == "" {
		dsn = "memory://"
	}
	return syncstate.BuildStoreFromDSN(dsn)
}

func storageProfileDSN(cfg config) (string, error) {
	profile := strings.ToLower(strings.TrimSpace(cfg.StorageProfile))
	dataDir := strings.TrimSpace(cfg.DataDir)
	if dataDir == "" {
		dataDir = ".crmbridge"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.db"), nil
	case "production", "prod":
		dsn := strings.TrimSpace(cfg.ProductionDSN)
		if dsn == "" {
			return "", fmt.Errorf("CRMBRIDGE_PRODUCTION_DSN is required when CRMBRIDGE_STORAGE_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported CRMBRIDGE_STORAGE_PROFILE: %s", profile)
	}
}

func buildMappings(cfg config, logger *log.Logger) (mapping.Provider, error) {
	if cfg.MappingWatch {
		return mapping.Watch(cfg.MappingFile, logger)
	}
	loaded, err := mapping.Load(cfg.MappingFile)
	if err != nil {
		return nil, err
	}
	return &mapping.Static{Config: loaded}, nil
}

func buildService(cfg config, store syncstate.Store, mappings mapping.Provider, logger *log.Logger) (*bridge.Service, error) {
	ledger, err := remote.NewLedgerClient(remote.LedgerClientOptions{
		BaseURL:        cfg.LedgerBaseURL,
		APIToken:       cfg.LedgerAPIToken,
		RateLimitMax:   cfg.LedgerRateMax,
		RateLimitEvery: cfg.LedgerRateEvery,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger client: %w", err)
	}
	collab, err := remote.NewCollabClient(remote.CollabClientOptions{
		BaseURL:         cfg.CollabBaseURL,
		Email:           cfg.CollabEmail,
		APIKey:          cfg.CollabAPIKey,
		RateLimitMax:    cfg.CollabRateMax,
		RateLimitEvery:  cfg.CollabRateEvery,
		NaturalKeyField: cfg.CollabNaturalKey,
		ForeignIDField:  cfg.CollabForeignID,
		TimeZone:        cfg.CollabTimeZone,
	})
	if err != nil {
		return nil, fmt.Errorf("collab client: %w", err)
	}

	streams := map[string]*bridge.StreamPipeline{}
	for streamID, folder := range cfg.LedgerRoutes {
		pipeline, err := buildPipeline(cfg, pipelineWiring{
			streamID:   streamID,
			source:     ledger,
			dest:       remote.BoundDestination{Dest: collab, StreamID: folder},
			ids:        bridge.NewLedgerToCollabMap(store),
			watermarks: store,
			mappings:   mappings,
			lookback:   0,
			logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", streamID, err)
		}
		streams[streamID] = pipeline
	}
	for folder, ledgerStream := range cfg.CollabRoutes {
		pipeline, err := buildPipeline(cfg, pipelineWiring{
			streamID:   folder,
			source:     collab,
			dest:       remote.BoundDestination{Dest: ledger, StreamID: ledgerStream},
			ids:        bridge.NewCollabToLedgerMap(store),
			watermarks: store,
			mappings:   mappings,
			lookback:   cfg.Lookback,
			logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("folder %s: %w", folder, err)
		}
		streams[folder] = pipeline
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("no stream routes configured; set CRMBRIDGE_LEDGER_ROUTES or CRMBRIDGE_COLLAB_ROUTES")
	}

	mirror, err := bridge.NewMirror(bridge.MirrorOptions{
		Ledger:   store,
		Comments: collab,
		IDs:      bridge.NewLedgerToCollabMap(store),
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("mirror: %w", err)
	}

	return bridge.NewService(bridge.ServiceOptions{
		Streams: streams,
		Mirror:  mirror,
		Logger:  logger,
	})
}

type pipelineWiring struct {
	streamID string
	source   interface {
		bridge.PollSource
		bridge.RecordFetcher
	}
	dest       bridge.Destination
	ids        bridge.IdentityMap
	watermarks bridge.WatermarkStore
	mappings   mapping.Provider
	lookback   time.Duration
	logger     *log.Logger
}

func buildPipeline(cfg config, wiring pipelineWiring) (*bridge.StreamPipeline, error) {
	reconciler, err := bridge.NewReconciler(bridge.ReconcilerOptions{
		StreamID:    wiring.streamID,
		Mappings:    wiring.mappings,
		IDs:         wiring.ids,
		Destination: wiring.dest,
		Logger:      wiring.logger,
	})
	if err != nil {
		return nil, err
	}
	ingestor, err := bridge.NewIngestor(bridge.IngestorOptions{
		Reconciler: reconciler,
		Logger:     wiring.logger,
	})
	if err != nil {
		return nil, err
	}
	poller, err := bridge.NewPoller(bridge.PollerOptions{
		StreamID:     wiring.streamID,
		Source:       wiring.source,
		Reconcile:    reconciler.Reconcile,
		Watermarks:   wiring.watermarks,
		Interval:     cfg.PollInterval,
		PageLimit:    cfg.PageLimit,
		Lookback:     wiring.lookback,
		MaxStaleness: cfg.MaxStaleness,
		Logger:       wiring.logger,
	})
	if err != nil {
		return nil, err
	}
	return &bridge.StreamPipeline{
		Reconciler: reconciler,
		Ingestor:   ingestor,
		Poller:     poller,
		Source:     wiring.source,
	}, nil
}
