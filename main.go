package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"changestream-cdc/internal/binlog"
	"changestream-cdc/internal/catalog"
	"changestream-cdc/internal/config"
	"changestream-cdc/internal/nats"
	"changestream-cdc/internal/partition"
	"changestream-cdc/internal/processor"
	"changestream-cdc/internal/store"
	"changestream-cdc/internal/store/boltstore"
)

// openStore keeps rows in memory unless a bolt file is configured.
func openStore(cfg config.StoreConfig, logger *logrus.Logger) (store.Store, error) {
	if cfg.Path == "" {
		logger.Info("Using in-memory row store")
		return store.NewMemory(logger), nil
	}
	return boltstore.Open(logger, cfg.Path)
}

// loadCatalog reads table definitions and resolves the change streams.
func loadCatalog(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*catalog.Catalog, error) {
	loader, err := catalog.NewLoader(cfg.MySQL.Host, cfg.MySQL.Port, cfg.MySQL.User, cfg.MySQL.Password, logger)
	if err != nil {
		return nil, err
	}
	defer loader.Close()

	tables, err := loader.Load(ctx, cfg.MySQL.Databases)
	if err != nil {
		return nil, err
	}
	return catalog.Build(tables, cfg.ChangeStreams, logger)
}

// seedPartitions gives every change stream an active partition.
func seedPartitions(ctx context.Context, cat *catalog.Catalog, st store.ReadWriter, logger *logrus.Logger) error {
	for _, cs := range cat.Schema().ChangeStreams() {
		token, err := partition.EnsureSeeded(ctx, st, cs, time.Now())
		if err != nil {
			return errors.Wrapf(err, "failed to seed partition of change stream %s", cs.Name())
		}
		logger.Infof("Change stream %s writes to partition %s", cs.Name(), token)
	}
	return nil
}

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	// Set log level from config
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("Unknown log level %q, using info", cfg.Logging.Level)
	}

	logger.Info("Starting change stream CDC service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker := NewMySQLChecker(cfg.MySQL.Host, cfg.MySQL.Port, cfg.MySQL.User, cfg.MySQL.Password, logger)
	if err := checker.CheckConnectionAndPermissions(ctx); err != nil {
		logger.Fatalf("MySQL preflight check failed: %v", err)
	}

	cat, err := loadCatalog(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to load catalog: %v", err)
	}

	st, err := openStore(cfg.Store, logger)
	if err != nil {
		logger.Fatalf("Failed to open row store: %v", err)
	}
	defer st.Close()

	if err := seedPartitions(ctx, cat, st, logger); err != nil {
		logger.Fatalf("Failed to prepare change streams: %v", err)
	}

	// Initialize binlog reader
	reader, err := binlog.NewReader(
		cfg.MySQL.Host,
		cfg.MySQL.Port,
		cfg.MySQL.User,
		cfg.MySQL.Password,
		cfg.MySQL.ServerID,
		cfg.MySQL.Flavor,
		cfg.Binlog.PositionFile,
		cfg.Binlog.StartPosition,
		logger,
	)
	if err != nil {
		logger.Fatalf("Failed to create binlog reader: %v", err)
	}
	defer reader.Close()

	// Initialize NATS publisher
	publisher, err := nats.NewPublisher(
		cfg.NATS.URL,
		cfg.NATS.SubjectPrefix,
		cfg.NATS.MaxReconnect,
		cfg.NATS.ReconnectWait,
		logger,
	)
	if err != nil {
		logger.Fatalf("Failed to create NATS publisher: %v", err)
	}
	defer publisher.Close()

	proc := processor.NewProcessor(reader, publisher, cat, st, logger)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start processing in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- proc.Start(ctx)
	}()

	// Wait for signal or error
	select {
	case sig := <-sigChan:
		logger.Infof("Received signal: %v, shutting down...", sig)
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil {
			logger.Errorf("Processor error: %v", err)
		}
	}

	logger.Info("Change stream CDC service stopped")
}
