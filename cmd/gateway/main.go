package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Gyeeta/nodewebserver/internal/api"
	"github.com/Gyeeta/nodewebserver/internal/comm"
	"github.com/Gyeeta/nodewebserver/internal/config"
	"github.com/Gyeeta/nodewebserver/internal/logger"
	"github.com/Gyeeta/nodewebserver/internal/metrics"
	"github.com/Gyeeta/nodewebserver/internal/shutdown"
	"github.com/Gyeeta/nodewebserver/internal/topology"
	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(Version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Info().
		Str("version", Version).
		Str("node_host", cfg.Node.Host).
		Int("node_port", cfg.Node.Port).
		Strs("coordinators", cfg.Coordinator.Addresses).
		Bool("alert_action", cfg.Coordinator.AlertAction).
		Msg("Starting Gyeeta gateway")

	metrics.Init(log.Logger)
	shutdownCoordinator := shutdown.New(30*time.Second, log.Logger)

	collector := metrics.NewTimeSeriesCollector(360, 10*time.Second)
	collector.Start()
	shutdownCoordinator.Register("timeseries", collector, shutdown.PriorityCollectors)

	dispatcher := comm.NewDispatcher(log.Logger)
	if cfg.Coordinator.AlertAction {
		alerts := logger.Get("alert-action")
		if err := dispatcher.RegisterEvent(comm.EventAlertAction, func(ev *comm.Event) {
			alerts.Info().RawJSON("event", ev.Raw).Msg("Received alert action")
		}); err != nil {
			log.Fatal().Err(err).Msg("Failed to register alert action handler")
		}
	}

	root, err := topology.NewRoot(&topology.RootConfig{
		Candidates:  cfg.Coordinator.Addresses,
		AlertAction: cfg.Coordinator.AlertAction,
		Handler: topology.HandlerConfig{
			NumConns:            cfg.Comm.ConnsPerPool,
			SelfHost:            cfg.Node.Host,
			SelfPort:            uint32(cfg.Node.Port),
			ConnectTimeout:      cfg.Comm.ConnectTimeout,
			ReconnectInterval:   cfg.Comm.ReconnectInterval,
			TimeoutLeeway:       cfg.Comm.TimeoutLeeway,
			SweepInterval:       cfg.Comm.TimeoutSweep,
			IdlePing:            cfg.Comm.IdlePing,
			QueryTimeout:        cfg.Comm.QueryTimeout,
			CoordinatorInterval: cfg.Discovery.CoordinatorInterval,
			WorkerInterval:      cfg.Discovery.WorkerInterval,
			Dispatcher:          dispatcher,
		},
		FailoverCheckInterval: cfg.Discovery.FailoverCheckInterval,
		FailoverUnreachable:   cfg.Discovery.FailoverUnreachable,
		StartupGrace:          cfg.Discovery.StartupGrace,
		Logger:                log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create topology root")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := root.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start topology root")
	}
	shutdownCoordinator.Register("topology", root, shutdown.PriorityTopology)

	server := api.NewServer(&api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		TLSEnabled:      cfg.Server.TLSEnabled,
		TLSCertFile:     cfg.Server.TLSCertFile,
		TLSKeyFile:      cfg.Server.TLSKeyFile,
		OnListenError:   func(error) { shutdownCoordinator.TriggerShutdown() },
	}, root, collector, log.Logger)

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start status server")
	}
	shutdownCoordinator.Register("status-server", server, shutdown.PriorityStatusServer)

	shutdownCoordinator.RegisterHook("final-stats", func(context.Context) error {
		log.Info().Interface("topology", root.Stats()).Msg("Final topology state")
		return nil
	}, shutdown.PriorityFlush)

	sig := shutdownCoordinator.WaitForSignal()
	log.Info().Str("signal", sig.String()).Msg("Initiating graceful shutdown")

	cancel()
	if err := shutdownCoordinator.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Shutdown completed with errors")
		os.Exit(1)
	}
}
