package main

import (
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"kistra/internal/app"
	"kistra/internal/config"
	"kistra/internal/logger"

	"github.com/spf13/pflag"
)

func main() {
	var opts app.Options
	pflag.StringVar(&opts.ConfigPath, "config", defaultConfigPath(), "path to the YAML configuration")
	pflag.StringVar(&opts.Mode, "mode", "", "execution mode override (DRY_RUN|PAPER|REAL)")
	pflag.StringVar(&opts.Feed, "feed", "rest", "market data feed (rest)")
	pflag.IntVar(&opts.Interval, "interval", 0, "base cycle interval in seconds")
	pflag.IntVar(&opts.MaxRuns, "max-runs", 0, "stop after N cycles (0 = unlimited)")
	pflag.StringVar(&opts.Stock, "stock", "", "trade a single symbol, overriding the universe")
	pflag.Int64Var(&opts.OrderQuantity, "order-quantity", 0, "shares per entry order")
	pflag.BoolVar(&opts.ConfirmRealTrading, "confirm-real-trading", false, "required to run in REAL mode")
	pflag.Parse()

	logFile := setupLogOutput(os.Getenv("KISTRA_LOG"))
	if logFile != nil {
		defer logFile.Close()
	}

	a, err := app.New(opts)
	if err != nil {
		fail(err)
	}
	if err := a.Run(); err != nil {
		fail(err)
	}
	os.Exit(app.ExitOK)
}

func fail(err error) {
	logger.Errorf("kistra: %v", err)
	var exit *app.ExitError
	if errors.As(err, &exit) {
		os.Exit(exit.Code)
	}
	os.Exit(1)
}

func defaultConfigPath() string {
	if p := os.Getenv("KISTRA_CONFIG"); p != "" {
		return p
	}
	return config.DefaultPath
}

func setupLogOutput(path string) *os.File {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil
	}
	if dir := filepath.Dir(trimmed); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("create log directory: %v", err)
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("open log file: %v", err)
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file
}
