package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/pelusa-v/pelusa-rooms/internal/chat"
	"github.com/pelusa-v/pelusa-rooms/internal/config"
	"github.com/pelusa-v/pelusa-rooms/internal/handlers"
	"github.com/pelusa-v/pelusa-rooms/internal/monitor"
	"github.com/pelusa-v/pelusa-rooms/internal/queue"
	"github.com/pelusa-v/pelusa-rooms/internal/ratelimit"
	"github.com/pelusa-v/pelusa-rooms/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	seedCtx, cancelSeed := context.WithTimeout(context.Background(), cfg.OpTimeout)
	err = st.SeedDefaultRooms(seedCtx)
	cancelSeed()
	if err != nil {
		logger.Error("failed to seed default rooms", "error", err)
		os.Exit(1)
	}

	limiter, rdb := setupLimiter(cfg, logger)

	tracker := queue.NewTracker(queue.Options{
		Interval: cfg.StatsInterval,
		Window:   cfg.ThroughputWindow,
		Searcher: st,
		Logger:   logger,
	})
	mgr, err := chat.NewManager(chat.Options{
		Store:              st,
		Limiter:            limiter,
		Tracker:            tracker,
		Logger:             logger,
		PingInterval:       cfg.PingInterval,
		PongTimeout:        cfg.PongTimeout,
		HistoryLimit:       cfg.HistoryLimit,
		MaxMessagesPerRoom: cfg.MaxMessagesPerRoom,
		OpTimeout:          cfg.OpTimeout,
	})
	if err != nil {
		logger.Error("failed to create chat manager", "error", err)
		os.Exit(1)
	}

	collector := monitor.NewCollector(monitor.Options{
		Interval: cfg.MetricsInterval,
		Logger:   logger,
	})

	// 后台循环：事件循环 / 心跳 / 吞吐量刷新 / 指标采样
	runCtx, stopRun := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return mgr.Heartbeat().Run(gctx) })
	g.Go(func() error { return tracker.Run(gctx) })
	g.Go(func() error { return collector.Run(gctx) })

	app := fiber.New(fiber.Config{
		AppName:               "pelusa-rooms",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          15 * time.Second,
		IdleTimeout:           60 * time.Second,
	})
	app.Use(recover.New())
	app.Use(requestLogger(logger))
	app.Use(cors.New())

	handlers.New(handlers.Options{
		Manager:      mgr,
		Store:        st,
		Tracker:      tracker,
		Monitor:      collector,
		Logger:       logger,
		HealthLimit:  cfg.HealthRateLimitMax,
		HealthWindow: cfg.HealthRateLimitWindow,
	}).Register(app)

	// 只暴露 public 静态资源目录
	app.Static("/", cfg.StaticDir)

	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := app.Listen(cfg.Addr); err != nil {
			logger.Error("server error", "error", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http": func(ctx context.Context) error {
				return app.ShutdownWithContext(ctx)
			},
			"chat": func(ctx context.Context) error {
				stopRun()
				done := make(chan error, 1)
				go func() { done <- g.Wait() }()
				select {
				case err := <-done:
					return err
				case <-ctx.Done():
					return ctx.Err()
				}
			},
			"redis": func(context.Context) error {
				if rdb == nil {
					return nil
				}
				return rdb.Close()
			},
			"store": func(context.Context) error {
				return st.Close()
			},
		},
	)
	exitCode := <-wait
	logger.Info("server stopped", "code", exitCode)
	os.Exit(exitCode)
}

// setupLimiter 按配置选择限流后端，redis 不可用时仍然启动（Allow 出错时放行）
func setupLimiter(cfg config.Config, logger *slog.Logger) (ratelimit.Limiter, *redis.Client) {
	if cfg.RateLimitBackend != config.LimiterRedis {
		return ratelimit.NewMemory(cfg.RateLimit()), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, rate limiter will fail open", "addr", cfg.RedisAddr, "error", err)
	}
	return ratelimit.NewRedis(rdb, cfg.RateLimit(), ""), rdb
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// requestLogger websocket 升级请求不记录（连接生命周期由 chat 组件记录）
func requestLogger(logger *slog.Logger) fiber.Handler {
	return fiberlogger.New(fiberlogger.Config{
		Next:          websocket.IsWebSocketUpgrade,
		Format:        "${status} ${method} ${path} ${latency}\n",
		Output:        slogWriter{log: logger.With("component", "http")},
		DisableColors: true,
	})
}

// slogWriter 把 fiber logger 的每一行转成一条 debug 日志
type slogWriter struct {
	log *slog.Logger
}

func (w slogWriter) Write(p []byte) (int, error) {
	w.log.Debug("http request", "access", strings.TrimSpace(string(p)))
	return len(p), nil
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
