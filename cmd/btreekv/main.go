package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	apihttp "btreekv/internal/http"
	"btreekv/pkg/clock"
	"btreekv/pkg/cluster"
	"btreekv/pkg/config"
	"btreekv/pkg/raftadapter"
	"btreekv/pkg/rpc"
	"btreekv/pkg/store"
)

// final checkpoint budget when the config sets none
const defaultCloseTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("btreekv failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := initLogger(&cfg); err != nil {
		return err
	}

	// --- локальное B-tree хранилище ---
	db, err := store.New(cfg.DB, clock.SystemTime{})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	var local cluster.KV = db
	var node *raftadapter.Node
	if cfg.Raft != nil {
		node, err = raftadapter.NewNode(cfg.Raft, db)
		if err != nil {
			return errors.Join(fmt.Errorf("raft: %w", err), db.Close(context.Background()))
		}
		local = node
		g.Go(func() error {
			return node.Run(gctx)
		})
	}

	kv := local
	if cfg.Cluster.Enabled {
		router, err := startCluster(gctx, g, &cfg, local)
		if err != nil {
			cancel()
			_ = g.Wait()
			return errors.Join(err, db.Close(context.Background()))
		}
		kv = router
	}

	// --- HTTP-сервер ---
	server := apihttp.NewServer(cfg.Server, kv)
	server.SetLocal(local)
	server.SetAdmin(db)
	if node != nil {
		server.SetRaftNode(node)
	}
	g.Go(func() error {
		return server.Run(gctx)
	})

	slog.Info("btreekv started",
		"port", cfg.Server.Port,
		"cluster", cfg.Cluster.Enabled,
		"raft", cfg.Raft != nil,
	)

	runErr := g.Wait()

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultCloseTimeout
	}
	closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer closeCancel()
	if node != nil {
		_ = node.Stop()
	}
	if err := db.Close(closeCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("close store: %w", err))
	}

	slog.Info("btreekv stopped")
	return runErr
}

// startCluster регистрирует ноду в ZooKeeper и запускает watcher кольца.
func startCluster(ctx context.Context, g *errgroup.Group, cfg *config.Config, local cluster.KV) (*cluster.Router, error) {
	membership, err := cluster.NewZKMembership(cfg.Cluster.ZKServers, cfg.Cluster.ZKRoot, cfg.Cluster.NodeAddr)
	if err != nil {
		return nil, fmt.Errorf("connect to ZooKeeper: %w", err)
	}
	if err := membership.RegisterSelf(ctx); err != nil {
		_ = membership.Close()
		return nil, fmt.Errorf("register node in ZooKeeper: %w", err)
	}

	// первичная сборка кольца по нодам
	ring, err := membership.BuildRing(cfg.Cluster.VirtualNodes)
	if err != nil {
		_ = membership.Close()
		return nil, fmt.Errorf("build ring: %w", err)
	}
	slog.Info("initial ring", "nodes", ring.ListNodes())

	opts := rpc.Options{
		Timeout:   cfg.Cluster.RemoteTimeout,
		Retries:   cfg.Cluster.RemoteRetries,
		Forwarded: true,
	}
	router := &cluster.Router{
		LocalAddr: cfg.Cluster.NodeAddr,
		Ring:      ring,
		Local:     local,
		NewClient: func(target string) (cluster.KV, error) {
			return rpc.NewHTTPRemote(target, opts), nil
		},
	}

	// watcher обновляет кольцо при изменении состава нод в ZK
	g.Go(func() error {
		defer membership.Close()
		return membership.RunWatch(ctx, router, cfg.Cluster.VirtualNodes)
	})
	return router, nil
}
