package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/theinstashare/signal-router/internal/config"
	"github.com/theinstashare/signal-router/internal/coordinator"
	"github.com/theinstashare/signal-router/internal/httpserver"
	"github.com/theinstashare/signal-router/internal/ipc"
	"github.com/theinstashare/signal-router/internal/metrics"
	"github.com/theinstashare/signal-router/internal/worker"
	"github.com/theinstashare/signal-router/internal/wsserver"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting signal-router",
		"shards", cfg.Shards,
		"ws_host", cfg.WSHost,
		"ws_port_base", cfg.WSPortBase,
		"admin_listen_addr", cfg.AdminListenAddr,
		"broadcast_policy", cfg.BroadcastPolicy,
		"groups", cfg.GroupNames,
		"channel_depth", cfg.ChannelDepth,
		"max_message_bytes", cfg.MaxMessageBytes,
		"tls", cfg.TLSEnabled(),
	)

	m := metrics.New()
	coord := coordinator.New(cfg, logger, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var loops sync.WaitGroup
	loops.Add(1)
	go func() {
		defer loops.Done()
		if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("coordinator exited", "err", err)
		}
	}()

	// One listener plus one event loop per shard. Clients pick a shard by
	// connecting to its port.
	errCh := make(chan error, cfg.Shards+1)
	shardSrvs := make([]*http.Server, 0, cfg.Shards)
	for i := 0; i < cfg.Shards; i++ {
		toCoord := ipc.NewLink(cfg.ChannelDepth)
		fromCoord := ipc.NewLink(cfg.ChannelDepth)
		w := worker.New(i, logger, m, toCoord, fromCoord, cfg.ChannelDepth)
		coord.Attach(i, fromCoord, toCoord)

		loops.Add(1)
		go func() {
			defer loops.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker exited", "err", err, "worker", i)
			}
		}()

		addr := cfg.WSAddr(i)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			logger.Error("failed to listen", "addr", addr, "err", err)
			os.Exit(1)
		}

		srv := &http.Server{
			Addr:              addr,
			Handler:           wsserver.New(cfg, logger, w),
			ReadHeaderTimeout: 5 * time.Second,
		}
		shardSrvs = append(shardSrvs, srv)
		logger.Info("shard listening", "worker", i, "addr", ln.Addr().String())

		go func() {
			if cfg.TLSEnabled() {
				errCh <- srv.ServeTLS(ln, cfg.TLSCertFile, cfg.TLSKeyFile)
			} else {
				errCh <- srv.Serve(ln)
			}
		}()
	}

	adminLn, err := net.Listen("tcp", cfg.AdminListenAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.AdminListenAddr, "err", err)
		os.Exit(1)
	}
	commit, built := resolveBuildInfo(buildCommit, buildTime)
	admin := httpserver.New(cfg, logger, coord, m, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	go func() {
		errCh <- admin.Serve(adminLn)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exited", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "err", err)
	}
	for _, srv := range shardSrvs {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shard server shutdown failed", "err", err)
		}
	}

	stop()
	loops.Wait()
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
