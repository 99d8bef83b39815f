package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suPer8Hu/llamachat/internal/app"
	"github.com/suPer8Hu/llamachat/internal/chat"
	"github.com/suPer8Hu/llamachat/internal/config"
	"github.com/suPer8Hu/llamachat/internal/logging"
	"github.com/suPer8Hu/llamachat/internal/store/rabbitmq"
	"github.com/suPer8Hu/llamachat/internal/store/redisstore"
	"github.com/suPer8Hu/llamachat/internal/worker"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (default $LLAMACHAT_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("worker stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Without redis the lock is per process and no partial replies are visible.
	var (
		locker chat.Locker
		sinks  worker.SinkFactory
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
		locker = rs
		sinks = func(ctx context.Context, jobID string) chat.Sink { return rs.ProgressSink(ctx, jobID) }
	} else {
		log.Warn("redis_addr is empty, turn locks are local to this worker")
	}

	// queued jobs wait for a busy conversation instead of failing
	a, err := app.New(ctx, cfg, locker, chat.PolicyQueue, log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency, log)
	if err != nil {
		return err
	}
	defer func() { _ = consumer.Close() }()

	runner := worker.NewRunner(a.Coord, sinks, log)
	return consumer.Run(ctx, runner.Handle)
}
