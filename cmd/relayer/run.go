package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bridgekit/relayer/pkg/chainScanner"
	"github.com/bridgekit/relayer/pkg/clients/ethereum"
	"github.com/bridgekit/relayer/pkg/config"
	"github.com/bridgekit/relayer/pkg/eventDecoder"
	"github.com/bridgekit/relayer/pkg/logger"
	"github.com/bridgekit/relayer/pkg/metrics"
	"github.com/bridgekit/relayer/pkg/orchestrator"
	"github.com/bridgekit/relayer/pkg/relayer"
	"github.com/bridgekit/relayer/pkg/relayerConfig"
	"github.com/bridgekit/relayer/pkg/shutdown"
	"github.com/bridgekit/relayer/pkg/storage"
	badgerStorage "github.com/bridgekit/relayer/pkg/storage/badger"
	memoryStorage "github.com/bridgekit/relayer/pkg/storage/memory"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relayer",
	RunE: func(cmd *cobra.Command, args []string) error {
		initRunCmd(cmd)

		log, _ := logger.NewLogger(&logger.LoggerConfig{Debug: Config.Debug})
		sugar := log.Sugar()

		if err := Config.Validate(); err != nil {
			sugar.Errorw("Invalid configuration", "error", err)
			return err
		}

		sugar.Infow("Starting relayer...")

		return runWithShutdown(func(ctx context.Context) error {
			return startRelayer(ctx, Config, log)
		}, log)
	},
}

func initRunCmd(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err := viper.BindPFlag(config.KebabToSnakeCase(f.Name), f); err != nil {
			fmt.Printf("Failed to bind flag '%s': %+v\n", f.Name, err)
		}
		if err := viper.BindEnv(f.Name); err != nil {
			fmt.Printf("Failed to bind env '%s': %+v\n", f.Name, err)
		}
	})
}

func runWithShutdown(startFunc func(ctx context.Context) error, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := startFunc(ctx); err != nil {
		return err
	}

	gracefulShutdownNotifier := shutdown.CreateGracefulShutdownChannel()
	done := make(chan bool)

	shutdown.ListenForShutdown(gracefulShutdownNotifier, done, func() {
		logger.Sugar().Info("Shutting down relayer...")
		cancel()
	}, 5*time.Second, logger)

	return nil
}

func buildStore(cfg *relayerConfig.RelayerConfig) (storage.RelayerStore, error) {
	switch cfg.Storage.Type {
	case "badger":
		return badgerStorage.NewBadgerRelayerStore(cfg.Storage.BadgerConfig)
	case "memory", "":
		return memoryStorage.NewInMemoryRelayerStore(), nil
	default:
		return nil, errors.Errorf("unsupported storage type %s", cfg.Storage.Type)
	}
}

func startRelayer(ctx context.Context, cfg *relayerConfig.RelayerConfig, log *zap.Logger) error {
	sugar := log.Sugar()

	store, err := buildStore(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to build relayer store")
	}

	m := metrics.NewMetrics()

	reporters := make([]metrics.CursorReporter, 0, len(cfg.Bridges))
	for _, bridge := range cfg.Bridges {
		bridgeLogger := log.With(zap.String("bridge", bridge.Name))

		decoder, err := eventDecoder.NewEventDecoder(bridge.ChainId, bridgeLogger)
		if err != nil {
			return errors.Wrapf(err, "failed to build event decoder for bridge %s", bridge.Name)
		}

		client, err := ethereum.NewClient(&ethereum.ClientConfig{
			BaseURL:         bridge.RpcURL,
			ContractAddress: bridge.ContractAddress,
			EventTopic:      decoder.EventTopic(),
			RequestTimeout:  time.Duration(bridge.RequestTimeoutMillis) * time.Millisecond,
		}, bridgeLogger)
		if err != nil {
			return errors.Wrapf(err, "failed to build chain client for bridge %s", bridge.Name)
		}

		scanner := chainScanner.NewChainScanner(client, decoder, bridgeLogger)

		httpRelayer, err := relayer.NewHTTPRelayer(&relayer.RelayerConfig{
			Endpoint: bridge.DestinationEndpoint,
			Timeout:  time.Duration(bridge.RequestTimeoutMillis) * time.Millisecond,
		}, bridgeLogger)
		if err != nil {
			return errors.Wrapf(err, "failed to build relayer for bridge %s", bridge.Name)
		}

		orch := orchestrator.NewOrchestrator(&orchestrator.OrchestratorConfig{
			ChainId:            bridge.ChainId,
			ContractAddress:    bridge.ContractAddress,
			ConfirmationDepth:  bridge.ConfirmationDepth,
			MaxChunkSize:       bridge.MaxChunkSize,
			ScanInterval:       time.Duration(bridge.ScanIntervalSeconds) * time.Second,
			ErrorCooldown:      time.Duration(bridge.ErrorCooldownSeconds) * time.Second,
			StartBlock:         bridge.StartBlock,
			HeadRetryAttempts:  bridge.HeadRetryAttempts,
			RelayRetryAttempts: bridge.RelayRetryAttempts,
			RetryDelay:         time.Duration(bridge.RetryDelayMillis) * time.Millisecond,
			FailurePolicy:      bridge.FailurePolicy,
		}, client, scanner, httpRelayer, store, m, bridgeLogger)

		if err := orch.Start(ctx); err != nil {
			return errors.Wrapf(err, "failed to start orchestrator for bridge %s", bridge.Name)
		}
		reporters = append(reporters, orch)
	}

	adminServer := metrics.NewAdminServer(cfg.AdminPort, m, reporters, log)
	go func() {
		if err := adminServer.Start(ctx); err != nil {
			sugar.Errorw("Admin server failed", "error", err)
		}
	}()

	return nil
}
