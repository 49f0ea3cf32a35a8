// geyserd hosts the plugin as a standalone process. Without --demo it
// only serves subscribers and selector updates; something else has to feed
// it. With --demo a synthetic producer writes random accounts and walks
// slots through processed, confirmed and rooted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"geyserfeed/internal/buildinfo"
	"geyserfeed/internal/config"
	"geyserfeed/internal/plugin"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		demo       bool
		demoRate   time.Duration
		showVer    bool
	)
	flagSet := pflag.NewFlagSet("geyserd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the YAML or JSON config file (defaults apply when empty)")
	flagSet.BoolVar(&demo, "demo", false, "run a synthetic producer feed")
	flagSet.DurationVar(&demoRate, "demo-slot-time", 400*time.Millisecond, "slot interval of the demo feed")
	flagSet.BoolVar(&showVer, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVer {
		fmt.Println(buildinfo.String())
		return nil
	}

	logger := newLogger()
	slog.SetDefault(logger)

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := plugin.New(logger)
	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = p.OnLoad(loadCtx, *cfg)
	cancel()
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	logger.Info("geyserd started", "addr", p.Addr(), "version", buildinfo.Version, "demo", demo)

	if demo {
		go runDemo(ctx, p, demoRate, logger)
	}
	<-ctx.Done()
	logger.Info("shutting down")
	return p.OnUnload()
}

// newLogger reads GEYSER_LOG_FORMAT (json or text) and GEYSER_LOG_LEVEL.
func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("GEYSER_LOG_LEVEL"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(os.Getenv("GEYSER_LOG_FORMAT"), "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
