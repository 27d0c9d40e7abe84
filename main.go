// Command chat-engine is the main entrypoint for the live chat aggregation
// service. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Builds the connector registry for Twitch, YouTube and Instagram and the
//     WebSocket broadcast hub that fans messages out to viewers.
//   - Starts OAuth token refreshers for Twitch/Google credentials.
//   - Exposes an HTTP server with /ws, /healthz, /readyz, /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/joho/godotenv"
	"github.com/neustream/chat-engine/broadcast"
	"github.com/neustream/chat-engine/chat"
	"github.com/neustream/chat-engine/config"
	"github.com/neustream/chat-engine/db"
	"github.com/neustream/chat-engine/instagramchat"
	"github.com/neustream/chat-engine/oauth"
	"github.com/neustream/chat-engine/server"
	"github.com/neustream/chat-engine/telemetry"
	"github.com/neustream/chat-engine/twitchapi"
	"github.com/neustream/chat-engine/twitchchat"
	"github.com/neustream/chat-engine/youtubechat"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chat-engine", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Helix client for channel liveness lookups on /status. Optional; a
	// missing app credential only disables the lookup.
	var helix *twitchapi.HelixClient
	if err := cfg.ValidateTwitchAppReady(); err == nil {
		helix = &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			ClientID:       cfg.TwitchClientID,
		}
	} else {
		slog.Info("helix probes disabled", slog.Any("reason", err))
	}

	// Broadcast hub and connector registry
	hub := broadcast.NewHub()
	go hub.Run(ctx)

	factory := chat.Factory{
		chat.PlatformTwitch: twitchchat.New,
		chat.PlatformYouTube: youtubechat.Factory(youtubechat.Options{
			PollInterval:    cfg.YouTubePollInterval,
			MaxPollInterval: cfg.MaxPollInterval,
			CacheSize:       cfg.ProcessedCacheSize,
		}),
		chat.PlatformInstagram: instagramchat.Factory(instagramchat.Options{
			GraphAPIBaseURL:    cfg.GraphAPIBaseURL,
			GraphStreamBaseURL: cfg.GraphStreamBaseURL,
			PollInterval:       cfg.InstagramPollInterval,
			MaxPollInterval:    cfg.MaxPollInterval,
			CacheSize:          cfg.ProcessedCacheSize,
			PushRetryDelay:     cfg.PushRetryDelay,
		}),
	}
	registry := chat.NewRegistry(ctx, &db.ConnectorStore{DB: database}, hub, factory, cfg.FreeTierConnectors)

	// Centralized OAuth token refreshers
	if err := cfg.ValidateTwitchAppReady(); err == nil {
		oauth.StartRefresher(ctx, database, "twitch", 5*time.Minute, 15*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			res, err := twitchapi.RefreshToken(rctx, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " "), nil
		})
	}
	if err := cfg.ValidateGoogleAppReady(); err == nil {
		oauth.StartRefresher(ctx, database, "google", 10*time.Minute, 20*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			ts := &oauth2.Token{RefreshToken: refreshToken}
			oc := &oauth2.Config{ClientID: cfg.GoogleClientID, ClientSecret: cfg.GoogleClientSecret, Endpoint: google.Endpoint}
			newTok, err := oc.TokenSource(rctx, ts).Token()
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, "", nil
		})
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (feed/health/status/metrics/webhooks)
	go func() {
		if err := server.Start(ctx, database, cfg.HTTPAddr, server.Deps{Registry: registry, Hub: hub, Helix: helix}); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
	registry.StopAll()
}
