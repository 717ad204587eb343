// Package main — cmd/qcored/main.go
//
// qcored agent entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/qcored/config.yaml.
//  2. Initialise structured logger (zap).
//  3. Open the bbolt audit-ledger/CPG-snapshot store and the ev_barrier
//     file store.
//  4. Start the Totem Adapter (gRPC full mesh).
//  5. Wire up Quorum Façade, Timer core, and the service registry.
//  6. Construct and register the Votequorum and CPG service engines.
//  7. Construct the SYNC Engine and wire it to the adapter's view-change
//     and default-group delivery callbacks.
//  8. Start the Prometheus metrics server.
//  9. Start the operator admin socket.
// 10. Register SIGHUP handler for config hot-reload.
// 11. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to the metrics server and the
//     operator socket; the totem adapter is not closed, so its
//     health-probe loop runs until the process exits).
//  2. Close the bbolt store.
//  3. Flush the logger.
//  4. Exit 0.
//
// On totem adapter or storage open failure: exit 1 immediately (no
// partial state). On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clusterkit/qcored/internal/config"
	"github.com/clusterkit/qcored/internal/cpg"
	"github.com/clusterkit/qcored/internal/observability"
	"github.com/clusterkit/qcored/internal/operator"
	"github.com/clusterkit/qcored/internal/quorum"
	"github.com/clusterkit/qcored/internal/service"
	"github.com/clusterkit/qcored/internal/storage"
	"github.com/clusterkit/qcored/internal/sync"
	"github.com/clusterkit/qcored/internal/timer"
	"github.com/clusterkit/qcored/internal/totem"
	"github.com/clusterkit/qcored/internal/totem/grpcnet"
	"github.com/clusterkit/qcored/internal/votequorum"
	"github.com/clusterkit/qcored/internal/wire"
)

func main() {
	configPath := flag.String("config", "/etc/qcored/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("qcored %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("qcored starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.Uint32("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("storage open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("storage opened", zap.String("path", cfg.Storage.DBPath))

	evStore := storage.NewEvBarrierStore(cfg.Storage.EvBarrierPath)

	adapter, err := grpcnet.New(totemConfig(cfg, log))
	if err != nil {
		log.Fatal("totem adapter start failed", zap.Error(err))
	}
	log.Info("totem adapter started", zap.String("listen_addr", cfg.Totem.ListenAddr))

	facade := quorum.New(log)
	timers := timer.New(nil)
	registry := service.NewRegistry()

	vqEngine := votequorum.New(wire.NodeID(cfg.NodeID), voteQuorumConfig(cfg), adapter, timers, facade, evStore, log)
	facade.Initialize(vqEngine)
	if cfg.Storage.LedgerEnabled {
		vqEngine.SetLedger(db)
	}
	if err := registry.Register(vqEngine); err != nil {
		log.Fatal("votequorum registration failed", zap.Error(err))
	}

	cpgEngine := cpg.New(wire.NodeID(cfg.NodeID), adapter, facade, log)
	if cfg.CPG.SnapshotEnabled {
		cpgEngine.SetSnapshotHook(func(ringID wire.RingID, entries []cpg.ProcessInfo) {
			snap := make([]storage.CPGSnapshotEntry, len(entries))
			for i, e := range entries {
				snap[i] = storage.CPGSnapshotEntry{NodeID: e.NodeID, PID: e.PID, GroupName: e.GroupName}
			}
			if err := db.PutCPGSnapshot(ringID, snap); err != nil {
				log.Warn("CPG snapshot persist failed", zap.Error(err))
			}
		})
	}
	if err := registry.Register(cpgEngine); err != nil {
		log.Fatal("cpg registration failed", zap.Error(err))
	}

	syncEngine, err := sync.New(adapter, registry, timers, facade, log)
	if err != nil {
		log.Fatal("sync engine start failed", zap.Error(err))
	}

	adapter.OnViewChange(func(transList, memberList []wire.NodeID, ringID wire.RingID) {
		log.Info("ring view change",
			zap.Uint32("ring_rep", uint32(ringID.Rep)), zap.Uint64("ring_seq", ringID.Seq),
			zap.Int("members", len(memberList)))
		syncEngine.SaveTransitional(memberList, ringID)
		if err := syncEngine.Start(memberList, ringID); err != nil {
			log.Error("sync engine failed to start new ring", zap.Error(err))
		}
	})

	if err := adapter.GroupsInitialize("", dispatcher(registry, log)); err != nil {
		log.Fatal("default group dispatch registration failed", zap.Error(err))
	}
	if err := adapter.GroupsJoin(""); err != nil {
		log.Fatal("default group join failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, vqEngine, cpgEngine, db, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	} else {
		log.Info("operator socket disabled")
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			log.Info("config hot-reload successful",
				zap.String("log_level", newCfg.Observability.LogLevel))
			// The new config is only retained here; no running component
			// is reconfigured from it, so log level, vote tunables, totem
			// and storage settings all take effect on restart.
			cfg = newCfg
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	log.Info("qcored shutdown complete")
}

// dispatcher decodes the common wire header off a default-group delivery
// and routes the frame to its service engine's exec handler. A malformed
// header or an unknown service/function id is logged and dropped — exec
// messages never fail the receiving process (spec §7).
func dispatcher(registry *service.Registry, log *zap.Logger) totem.RecvFunc {
	return func(sender wire.NodeID, data []byte, order wire.OrderTag) {
		if len(data) < wire.HeaderSize {
			log.Warn("dropped short frame", zap.Uint32("sender", uint32(sender)), zap.Int("len", len(data)))
			return
		}
		header, err := wire.DecodeHeader(data[:wire.HeaderSize])
		if err != nil {
			log.Warn("dropped unparseable frame header", zap.Uint32("sender", uint32(sender)), zap.Error(err))
			return
		}
		frame := wire.Frame{Header: header, Body: data[wire.HeaderSize:]}
		if err := registry.Dispatch(sender, frame); err != nil {
			log.Warn("dropped undeliverable frame",
				zap.Uint32("sender", uint32(sender)),
				zap.Uint16("service_id", uint16(header.ServiceID)),
				zap.Uint16("function_id", uint16(header.FunctionID)),
				zap.Error(err))
		}
	}
}

// totemConfig translates config.TotemConfig into grpcnet.Config.
func totemConfig(cfg *config.Config, log *zap.Logger) grpcnet.Config {
	peers := make([]grpcnet.PeerConfig, len(cfg.Totem.Peers))
	for i, p := range cfg.Totem.Peers {
		peers[i] = grpcnet.PeerConfig{NodeID: wire.NodeID(p.NodeID), Addr: p.Addr}
	}
	var tlsCfg *grpcnet.TLSConfig
	if cfg.Totem.TLS != nil {
		tlsCfg = &grpcnet.TLSConfig{
			CertFile: cfg.Totem.TLS.CertFile,
			KeyFile:  cfg.Totem.TLS.KeyFile,
			CAFile:   cfg.Totem.TLS.CAFile,
		}
	}
	return grpcnet.Config{
		NodeID:         wire.NodeID(cfg.NodeID),
		ListenAddr:     cfg.Totem.ListenAddr,
		Peers:          peers,
		TLS:            tlsCfg,
		HealthInterval: cfg.Totem.HealthInterval,
		HealthTimeout:  cfg.Totem.HealthTimeout,
		Logger:         log,
	}
}

// voteQuorumConfig translates config.VoteQuorumConfig into votequorum.Config.
func voteQuorumConfig(cfg *config.Config) votequorum.Config {
	nodeList := make([]wire.NodeID, len(cfg.VoteQuorum.ATBNodeList))
	for i, id := range cfg.VoteQuorum.ATBNodeList {
		nodeList[i] = wire.NodeID(id)
	}
	return votequorum.Config{
		TwoNode:               cfg.VoteQuorum.TwoNode,
		WaitForAll:            cfg.VoteQuorum.WaitForAll,
		AutoTieBreaker:        cfg.VoteQuorum.AutoTieBreaker,
		ATBMode:               atbMode(cfg.VoteQuorum.ATBMode),
		ATBNodeList:           nodeList,
		AllowDownscale:        cfg.VoteQuorum.AllowDownscale,
		LastManStanding:       cfg.VoteQuorum.LastManStanding,
		LastManStandingWindow: cfg.VoteQuorum.LastManStandingWindow,
		ExpectedVotesTracking: cfg.VoteQuorum.ExpectedVotesTracking,
		ExpectedVotesDefault:  cfg.VoteQuorum.ExpectedVotesDefault,
		QDeviceEnabled:        cfg.VoteQuorum.QDeviceEnabled,
		QDeviceTimeout:        cfg.VoteQuorum.QDeviceTimeout,
		QDeviceSyncTimeout:    cfg.VoteQuorum.QDeviceSyncTimeout,
		QDeviceVotes:          cfg.VoteQuorum.QDeviceVotes,
	}
}

func atbMode(s string) votequorum.ATBMode {
	switch s {
	case "highest":
		return votequorum.ATBHighest
	case "list":
		return votequorum.ATBList
	default:
		return votequorum.ATBLowest
	}
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
