package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/suPer8Hu/llamachat/internal/app"
	"github.com/suPer8Hu/llamachat/internal/config"
	"github.com/suPer8Hu/llamachat/internal/logging"
	"github.com/suPer8Hu/llamachat/internal/tui"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (default $LLAMACHAT_CONFIG)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			fmt.Fprintln(os.Stderr, "llamachat: invalid configuration:")
		}
		fmt.Fprintln(os.Stderr, "llamachat:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.NewFileOnly(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, nil, "", log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	log.Info("llamachat started",
		zap.String("provider", cfg.AIProvider),
		zap.String("model", cfg.ModelName),
		zap.String("turn_policy", cfg.TurnPolicy),
	)

	p := tea.NewProgram(tui.New(ctx, a.Coord, log), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}
