package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/sessions"
	"github.com/joho/godotenv"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	slogecho "github.com/samber/slog-echo"
	oauth "github.com/streamplace/atproto-oauth-flow"
	"github.com/urfave/cli/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func main() {
	// a missing .env is fine, flags and the environment still apply
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "atproto-oauth-web-demo",
		Usage:   "demo web client for atproto oauth",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":7070",
				EnvVars: []string{"OAUTH_DEMO_ADDR"},
			},
			&cli.StringFlag{
				Name:     "public-url",
				Usage:    "https url this server is reachable at",
				Required: true,
				EnvVars:  []string{"OAUTH_DEMO_PUBLIC_URL"},
			},
			&cli.StringFlag{
				Name:    "jwk-path",
				Usage:   "private client jwk, as written by the helper's generate-jwks",
				Value:   "./jwks.json",
				EnvVars: []string{"OAUTH_DEMO_JWK_PATH"},
			},
			&cli.StringFlag{
				Name:     "session-secret",
				Required: true,
				EnvVars:  []string{"OAUTH_DEMO_SESSION_SECRET"},
			},
			&cli.StringFlag{
				Name:    "sqlite-path",
				Value:   "./oauth.db",
				EnvVars: []string{"OAUTH_DEMO_SQLITE_PATH"},
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "keep flows in redis instead of sqlite",
				EnvVars: []string{"OAUTH_DEMO_REDIS_ADDR"},
			},
			&cli.StringFlag{
				Name:    "scope",
				Value:   oauth.DefaultScope,
				EnvVars: []string{"OAUTH_DEMO_SCOPE"},
			},
			&cli.DurationFlag{
				Name:    "purge-interval",
				Value:   time.Minute,
				EnvVars: []string{"OAUTH_DEMO_PURGE_INTERVAL"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				EnvVars: []string{"OAUTH_DEMO_DEBUG"},
			},
		},
		Action: run,
	}

	app.RunAndExitOnError()
}

func run(cmd *cli.Context) error {
	level := slog.LevelInfo
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(cmd.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	publicUrl := strings.TrimSuffix(cmd.String("public-url"), "/")

	b, err := os.ReadFile(cmd.String("jwk-path"))
	if err != nil {
		return fmt.Errorf("could not read client jwk: %w", err)
	}

	clientJwk, err := oauth.ParseKeyFromBytes(b)
	if err != nil {
		return fmt.Errorf("could not parse client jwk: %w", err)
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}

	metadata := clientMetadata(publicUrl, cmd.String("scope"))
	if err := metadata.Validate(metadata.ClientID); err != nil {
		return fmt.Errorf("invalid client metadata: %w", err)
	}

	oauthClient, err := oauth.NewClient(oauth.ClientArgs{
		ClientJwk:   clientJwk,
		ClientId:    metadata.ClientID,
		RedirectUri: metadata.RedirectURIs[0],
		Scope:       metadata.Scope,
		Store:       store,
		Logger:      logger,
		UserAgent:   "atproto-oauth-web-demo/" + versioninfo.Short(),
	})
	if err != nil {
		return err
	}

	s := &Server{
		oauthClient: oauthClient,
		metadata:    metadata,
		logger:      logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = s.errorHandler(e.DefaultHTTPErrorHandler)

	e.Use(slogecho.New(logger))
	e.Use(session.Middleware(sessions.NewCookieStore([]byte(cmd.String("session-secret")))))

	s.routes(e)

	go s.purgeLoop(ctx, cmd.Duration("purge-interval"))

	httpd := http.Server{
		Addr:    cmd.String("addr"),
		Handler: e,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpd.Shutdown(shutdownCtx)
	}()

	logger.Info("starting http server", "addr", httpd.Addr, "clientId", metadata.ClientID)

	if err := httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func openStore(cmd *cli.Context) (oauth.FlowStore, error) {
	if addr := cmd.String("redis-addr"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(cmd.Context).Err(); err != nil {
			return nil, fmt.Errorf("could not reach redis: %w", err)
		}
		return oauth.NewRedisStore(client, oauth.DefaultRedisKeyPrefix), nil
	}

	db, err := gorm.Open(sqlite.Open(cmd.String("sqlite-path")), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("could not open sqlite database: %w", err)
	}

	return oauth.NewGormStore(db)
}

func (s *Server) routes(e *echo.Echo) {
	e.GET("/", s.handleIndex)
	e.GET("/oauth/client-metadata.json", s.handleClientMetadata)
	e.GET("/oauth/jwks.json", s.handleJwks)
	e.POST("/oauth/login", s.handleLoginSubmit)
	e.GET("/oauth/callback", s.handleCallback)
	e.GET("/oauth/session", s.handleSession)
	e.POST("/logout", s.handleLogout)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// purgeLoop drops abandoned flows until ctx is done.
func (s *Server) purgeLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.oauthClient.Store().PurgeExpired(ctx)
			if err != nil {
				s.logger.Error("failed to purge expired oauth flows", "err", err)
				continue
			}
			if n > 0 {
				s.logger.Info("purged expired oauth flows", "count", n)
			}
		}
	}
}
