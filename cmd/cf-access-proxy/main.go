package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"cf-access-proxy-go/internal/client"
	"cf-access-proxy-go/internal/config"
	"cf-access-proxy-go/internal/handler"
	"cf-access-proxy-go/internal/metrics"
	"cf-access-proxy-go/internal/middleware"
	"cf-access-proxy-go/internal/server"
	"cf-access-proxy-go/internal/service"
	"cf-access-proxy-go/internal/signer"
	"cf-access-proxy-go/internal/tunnel"
	"cf-access-proxy-go/internal/upload"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Extra time fx allows OnStop hooks beyond the configured drain window.
const stopGrace = 5 * time.Second

func main() {
	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("cf-access-proxy"),
		kong.Description("Injects Cloudflare Access service credentials into proxied traffic."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)
	cli.Command = strings.Fields(kctx.Command())[0]

	cfg, err := config.Load(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cf-access-proxy: %v\n", err)
		os.Exit(1)
	}

	if cfg.Command == config.CommandUpload {
		os.Exit(runUpload(cfg))
	}

	fx.New(
		fx.Supply(cfg),
		fx.StopTimeout(cfg.Server.ShutdownTimeout()+stopGrace),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Provide(
			func() handler.Version { return handler.Version(version) },
			newLogger,
			metrics.New,
			tunnel.NewTracker,
			server.NewConnCounter,
			client.NewUpstream,
			newRelayService,
			newRelayHandler,
			newTunnelHandler,
			newHealthHandler,
			newServers,
		),
		fx.Invoke(warnConfigPermissions, startServers),
	).Run()
}

func runUpload(cfg *config.Config) int {
	logger := newLogger(cfg)
	cfg.WarnPermissions(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := signer.NewSigV4(cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.Region, cfg.Credentials())
	u, err := upload.New(cfg, s, logger)
	if err != nil {
		logger.Error("upload setup failed", "err", err)
		return 1
	}
	if _, err := u.Run(ctx); err != nil {
		logger.Error("upload failed", "err", err)
		return 1
	}
	return 0
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

func newRelayService(uc *client.Upstream, cfg *config.Config, logger *slog.Logger) (*service.RelayService, error) {
	return service.NewRelayService(uc, cfg, logger)
}

func newRelayHandler(svc *service.RelayService, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *handler.RelayHandler {
	return handler.NewRelayHandler(svc, cfg.Access.ClientSecret, m, logger)
}

// newTunnelHandler returns nil in reverse mode, where CONNECT is refused.
func newTunnelHandler(cfg *config.Config, uc *client.Upstream, tracker *tunnel.Tracker, m *metrics.Metrics, logger *slog.Logger) *handler.TunnelHandler {
	if cfg.Command != config.CommandForward {
		return nil
	}
	return handler.NewTunnelHandler(uc, tracker, m, logger)
}

func newHealthHandler(cfg *config.Config, v handler.Version, tracker *tunnel.Tracker, conns *server.ConnCounter) *handler.HealthHandler {
	return handler.NewHealthHandler(cfg, v, tracker, conns)
}

type serverParams struct {
	fx.In

	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracker *tunnel.Tracker
	Conns   *server.ConnCounter
	Relay   *handler.RelayHandler
	Tunnel  *handler.TunnelHandler
	Health  *handler.HealthHandler
}

type servers struct {
	fx.Out

	Proxy *server.Server `name:"proxy"`
	Admin *server.Server `name:"admin"` // nil when the admin listener is disabled
}

func newServers(p serverParams) servers {
	cfg := p.Config
	mode := cfg.Command

	e := newEcho()
	// Requests may stream for as long as the upstream keeps sending.
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0
	e.Server.ReadHeaderTimeout = time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second

	var connect echo.HandlerFunc
	if p.Tunnel != nil {
		connect = p.Tunnel.Handle
	}

	// CONNECT never reaches the router, so everything that must see it runs in Pre.
	e.Pre(echomw.Recover())
	e.Pre(middleware.RequestLogger(p.Logger, mode))
	e.Pre(middleware.MetricsMiddleware(p.Metrics, mode))
	e.Pre(middleware.ConnectDispatch(connect))
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	handler.RegisterRoutes(e, p.Relay)

	out := servers{
		Proxy: server.New("proxy", e, cfg.Server.Addr(), p.Tracker, p.Conns, p.Logger),
	}

	if cfg.Metrics.Enabled {
		admin := newEcho()
		admin.Server.ReadTimeout = 10 * time.Second
		admin.Server.WriteTimeout = 30 * time.Second
		admin.Server.ReadHeaderTimeout = 5 * time.Second
		admin.Server.IdleTimeout = 60 * time.Second

		admin.Use(echomw.Recover())
		admin.Use(echomw.RequestID())
		admin.Use(middleware.SecurityHeaders())
		handler.RegisterAdminRoutes(admin, p.Health, p.Metrics, cfg.Metrics.Path)

		out.Admin = server.New("admin", admin, cfg.Metrics.Addr, nil, nil, p.Logger)
	}
	return out
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

type startParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Config     *config.Config
	Logger     *slog.Logger
	Upstream   *client.Upstream
	Proxy      *server.Server `name:"proxy"`
	Admin      *server.Server `name:"admin"`
}

func startServers(p startParams) {
	// Registered first so the admin listener stops last and keeps
	// reporting while the proxy drains.
	if p.Admin != nil {
		appendServer(p, p.Admin)
	}
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			p.Config.LogSummary(p.Logger)
			return nil
		},
	})
	appendServer(p, p.Proxy)

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			p.Upstream.CloseIdleConnections()
			return nil
		},
	})
}

func appendServer(p startParams, srv *server.Server) {
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := srv.Start(); err != nil {
				if errors.Is(err, server.ErrAddrInUse) {
					p.Logger.Error("listen address already in use", "err", err)
				}
				return err
			}
			go func() {
				if err, ok := <-srv.Errors(); ok {
					p.Logger.Error("server stopped unexpectedly", "err", err)
					_ = p.Shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, p.Config.Server.ShutdownTimeout())
			defer cancel()
			return srv.Stop(ctx)
		},
	})
}
