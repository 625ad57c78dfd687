package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"dashboard-proxy/internal/auth"
	"dashboard-proxy/internal/client"
	"dashboard-proxy/internal/config"
	"dashboard-proxy/internal/handler"
	"dashboard-proxy/internal/metrics"
	"dashboard-proxy/internal/middleware"
	"dashboard-proxy/internal/service"
	"dashboard-proxy/internal/store"
	"dashboard-proxy/internal/validate"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// A missing .env file is fine; real environment variables still apply.
	_ = godotenv.Load()

	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("dashboard-proxy"),
		kong.Description("Authenticating JSON proxy between the dashboard and its backend API."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	switch kctx.Command() {
	case "token put":
		kctx.FatalIfErrorf(runTokenPut(&cli))
		return
	case "token delete":
		kctx.FatalIfErrorf(runTokenDelete(&cli))
		return
	}

	fx.New(appOptions(&cli)).Run()
}

// appOptions assembles the proxy server's dependency graph.
func appOptions(cli *config.CLI) fx.Option {
	return fx.Options(
		fx.Provide(
			func() *config.CLI { return cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			newTokenStore,
			auth.NewIdentityProvider,
			fx.Annotate(auth.NewResolver, fx.As(new(service.CredentialResolver))),
			validate.New,
			client.NewBackendClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnInsecure, logStartup, startServer),
	)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.ErrorHandler(logger)

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// Responses are buffered, so the write deadline only needs to outlast the
	// backend call.
	e.Server.WriteTimeout = cfg.Upstream.UpstreamTimeout() + 10*time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newTokenStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (store.TokenStore, error) {
	st, err := store.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return st.Close()
		},
	})
	return st, nil
}

func warnInsecure(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnInsecure(logger)
}

func logStartup(cfg *config.Config, svc *service.ProxyService, v *validate.Validators, logger *slog.Logger) {
	logger.Info("proxy configured",
		"version", version,
		"backend_url", svc.BaseURL(),
		"routes", len(cfg.Routes),
		"schemas", v.Len(),
		"store", cfg.Auth.Store.Backend,
		"open_mode", cfg.Auth.OpenMode,
	)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
