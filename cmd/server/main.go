package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/suPer8Hu/llamachat/internal/app"
	"github.com/suPer8Hu/llamachat/internal/auth"
	"github.com/suPer8Hu/llamachat/internal/chat"
	"github.com/suPer8Hu/llamachat/internal/config"
	"github.com/suPer8Hu/llamachat/internal/httpapi"
	"github.com/suPer8Hu/llamachat/internal/httpapi/handlers"
	"github.com/suPer8Hu/llamachat/internal/logging"
	"github.com/suPer8Hu/llamachat/internal/store/rabbitmq"
	"github.com/suPer8Hu/llamachat/internal/store/redisstore"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "token:", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "", "path to a TOML config file (default $LLAMACHAT_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := serve(cfg, log); err != nil {
		log.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

func serve(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		locker   chat.Locker
		progress handlers.ProgressReader
		queue    handlers.TurnQueue
	)

	if cfg.RedisAddr != "" {
		rs := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rs.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer func() { _ = rs.Close() }()
		locker, progress = rs, rs
	}

	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue, log)
		if err != nil {
			// async turns answer 503 until the broker is reachable on restart
			log.Warn("rabbitmq unavailable, async turns disabled", zap.Error(err))
		} else {
			defer func() { _ = pub.Close() }()
			queue = pub
		}
	}

	a, err := app.New(ctx, cfg, locker, "", log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if cfg.JWTSecret == "" {
		log.Warn("jwt_secret is empty, API authentication disabled")
	}

	h := handlers.NewHandler(a.Coord, queue, progress, log)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, cfg.JWTSecret, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		// a degraded model is reported by /ready, not fatal
		_ = a.Coord.WarmUp(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// issueToken prints a bearer token for the API.
func issueToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a TOML config file")
	subject := fs.String("sub", "local", "token subject")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("jwt_secret is not configured")
	}
	tok, err := auth.IssueToken(cfg.JWTSecret, *subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
