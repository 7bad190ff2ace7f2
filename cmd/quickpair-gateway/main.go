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
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quickpair/gateway/internal/cluster"
	"github.com/quickpair/gateway/internal/config"
	"github.com/quickpair/gateway/internal/httpserver"
	"github.com/quickpair/gateway/internal/janitor"
	"github.com/quickpair/gateway/internal/metrics"
	"github.com/quickpair/gateway/internal/ratelimit"
	"github.com/quickpair/gateway/internal/signaling"
	"github.com/quickpair/gateway/internal/turnrest"
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

	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting quickpair-gateway",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"room_message_cap", cfg.RoomMessageCap,
		"room_idle_timeout", cfg.RoomIdleTimeout,
		"max_file_bytes", cfg.MaxFileBytes,
		"file_chunk_bytes", cfg.FileChunkBytes,
		"rate_create_per_minute", cfg.RateCreatePerMinute,
		"rate_join_per_minute", cfg.RateJoinPerMinute,
		"clustering_enabled", cfg.ClusteringEnabled(),
		"turn_rest_enabled", cfg.TURNRESTEnabled(),
	)

	m := metrics.New()

	// The shared store is optional: an unreachable Redis degrades to
	// single-process mode instead of failing startup.
	var (
		redisClient *redis.Client
		clusterSync *cluster.Sync
	)
	if cfg.ClusteringEnabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.ClusterOpTimeout)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unreachable, continuing in single-process mode", "addr", cfg.RedisAddr, "err", err)
			_ = redisClient.Close()
			redisClient = nil
		} else {
			clusterSync = cluster.New(cluster.Config{
				Client:      redisClient,
				SnapshotTTL: cfg.SnapshotTTL,
				OpTimeout:   cfg.ClusterOpTimeout,
				Logger:      logger,
				Metrics:     m,
			})
			logger.Info("clustering enabled", "addr", cfg.RedisAddr, "process_id", clusterSync.ProcessID())
		}
	}

	createLimiter := ratelimit.NewFixedWindow(ratelimit.RealClock{}, cfg.RateCreatePerMinute, time.Minute, 0)
	joinLocal := ratelimit.NewFixedWindow(ratelimit.RealClock{}, cfg.RateJoinPerMinute, time.Minute, cfg.JoinBlockDuration)

	// Join limiting is enforced cluster-wide when Redis is available so
	// code-guessing cannot be spread across processes. Room creation stays
	// process-local: code allocation is process-local too.
	var joinLimiter signaling.Limiter = signaling.LocalLimiter(joinLocal)
	if redisClient != nil {
		joinLimiter = ratelimit.NewRedisWindow(ratelimit.RedisWindowConfig{
			Client:        redisClient,
			KeyPrefix:     "gw:join:",
			Limit:         cfg.RateJoinPerMinute,
			Window:        time.Minute,
			BlockOnBreach: cfg.JoinBlockDuration,
			OpTimeout:     cfg.ClusterOpTimeout,
			Logger:        logger,
			// Shared with joinLocal so degraded-mode trackers fall under
			// the janitor's ratelimit sweep.
			Fallback: joinLocal,
		})
	}

	var turnGen *turnrest.Generator
	if cfg.TURNRESTEnabled() {
		turnGen, err = turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNRESTSharedSecret,
			TTL:            cfg.TURNRESTTTL,
			UsernamePrefix: cfg.TURNRESTUsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			os.Exit(2)
		}
	}

	srv := httpserver.New(cfg, logger, resolveBuildInfo(buildCommit, buildTime), m, turnGen)

	sig := signaling.NewServer(signaling.Options{
		Config:        cfg,
		Logger:        logger,
		Metrics:       m,
		Cluster:       clusterSync,
		CreateLimiter: signaling.LocalLimiter(createLimiter),
		JoinLimiter:   joinLimiter,
		CheckOrigin: func(r *http.Request) bool {
			_, ok := srv.CheckOrigin(r)
			return ok
		},
	})
	srv.Mux().Handle("GET /ws", sig)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sig.Start(ctx)

	jan := janitor.New(logger,
		janitor.Sweep{
			Name:     "rooms",
			Interval: cfg.RoomSweepInterval,
			Run:      func() int { return sig.Rooms().SweepIdle(cfg.RoomIdleTimeout) },
		},
		janitor.Sweep{
			Name:     "transfers",
			Interval: cfg.TransferSweepInterval,
			Run:      func() int { return sig.Transfers().SweepExpired() },
		},
		janitor.Sweep{
			Name:     "ratelimit",
			Interval: cfg.RateSweepInterval,
			Run: func() int {
				// Trackers idle longer than twice the block duration can no
				// longer influence any decision.
				maxIdle := 2 * cfg.JoinBlockDuration
				return createLimiter.Sweep(maxIdle) + joinLocal.Sweep(maxIdle)
			},
		},
	)
	jan.Start(ctx)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.ListenAddr, "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		sig.Shutdown()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Shutdown()
	jan.Wait()
	if redisClient != nil {
		_ = redisClient.Close()
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
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
	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
