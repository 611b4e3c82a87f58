// Command marketforge is the backend entry point. It loads configuration,
// validates it, wires dependencies, sets up signal handling, and starts the
// configured mode. "marketforge claim -wallet W -market M" submits one payout
// claim and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/marketforge/internal/app"
	"github.com/alanyoungcy/marketforge/internal/config"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	// A claim needs the ledger and relayer, which only worker modes validate.
	args := flag.Args()
	if len(args) > 0 && args[0] == "claim" {
		cfg.Mode = config.ModeWorker
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Debug("active configuration", slog.Any("config", config.RedactedConfig(cfg)))

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(args) > 0 {
		switch args[0] {
		case "claim":
			if err := runClaim(ctx, application, args[1:], logger); err != nil {
				fmt.Fprintf(os.Stderr, "claim: %v\n", err)
				application.Close()
				os.Exit(1)
			}
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			os.Exit(2)
		}
	}

	logger.Info("marketforge starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("marketforge stopped")
}

func runClaim(ctx context.Context, application *app.App, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("claim", flag.ContinueOnError)
	wallet := fs.String("wallet", "", "wallet address claiming the payout")
	marketID := fs.String("market", "", "market id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tx, err := application.Claim(ctx, *wallet, *marketID)
	if err != nil {
		return err
	}

	logger.Info("payout claimed",
		slog.String("wallet", *wallet),
		slog.String("market_id", *marketID),
		slog.String("tx", tx),
	)
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
