// Package main is the entrypoint for the reference CI runner.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/ciengine/internal/runner"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("runner failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	settings, err := loadSettings(args)
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(settings.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	exec, closeExec, err := newExecutor(settings)
	if err != nil {
		return err
	}
	defer closeExec()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := runner.NewHTTPClient(settings.URL, settings.Token, settings.HTTPTimeout)
	loop := runner.NewLoop(client, exec, runner.Config{
		Tags:         settings.Tags,
		PollInterval: settings.PollInterval,
	})
	slog.Info("connecting to server", "url", settings.URL, "executor", settings.Executor)
	return loop.Run(ctx)
}

// loadSettings applies the config file, then the environment, then flags.
func loadSettings(args []string) (runner.Settings, error) {
	flagSet := pflag.NewFlagSet("ciengine-runner", pflag.ContinueOnError)
	configPath := flagSet.String("config", runner.DefaultConfigPath, "path to the TOML config file")
	url := flagSet.String("url", "", "CI server base URL")
	token := flagSet.String("token", "", "runner token")
	tags := flagSet.StringSlice("tags", nil, "tags offered to the scheduler")
	executor := flagSet.String("executor", "", `job executor: "docker" or "shell"`)
	shell := flagSet.String("shell", "", "shell used by the shell executor")
	pull := flagSet.Bool("pull", true, "pull the job image before each job")
	poll := flagSet.Duration("poll-interval", 0, "wait between lease attempts while idle")
	logLevel := flagSet.String("log-level", "", "debug, info, warn or error")

	if err := flagSet.Parse(args); err != nil {
		return runner.Settings{}, err
	}

	settings, err := runner.LoadSettings(*configPath)
	if err != nil {
		return runner.Settings{}, fmt.Errorf("load config: %w", err)
	}

	if flagSet.Changed("url") {
		settings.URL = *url
	}
	if flagSet.Changed("token") {
		settings.Token = *token
	}
	if flagSet.Changed("tags") {
		settings.Tags = *tags
	}
	if flagSet.Changed("executor") {
		settings.Executor = *executor
	}
	if flagSet.Changed("shell") {
		settings.Shell = *shell
	}
	if flagSet.Changed("pull") {
		settings.PullImages = *pull
	}
	if flagSet.Changed("poll-interval") {
		settings.PollInterval = *poll
	}
	if flagSet.Changed("log-level") {
		settings.LogLevel = *logLevel
	}

	if err := settings.Validate(); err != nil {
		return runner.Settings{}, fmt.Errorf("invalid config: %w", err)
	}
	return settings, nil
}

func newExecutor(s runner.Settings) (runner.Executor, func(), error) {
	if s.Executor == runner.ExecutorShell {
		return runner.NewShellExecutor(s.Shell), func() {}, nil
	}
	d, err := runner.NewDockerExecutor(s.PullImages)
	if err != nil {
		return nil, nil, err
	}
	return d, func() { d.Close() }, nil
}
