// Package main is the entry point for avaproxy.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/vyrodovalexey/avaproxy/internal/config"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run parses args, serves until shutdown and returns the exit code.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags, rest, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	if flags.showVersion {
		printVersion(stdout)
		return exitOK
	}

	pos, err := parsePositional(rest)
	if err != nil {
		if errors.Is(err, errMissingMode) {
			printUsage(stderr, nil)
			return exitUsage
		}
		_, _ = fmt.Fprintf(stderr, "avaproxy: %v\n", err)
		return exitConfig
	}

	cfg, err := loadConfig(flags, pos)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "avaproxy: %v\n", err)
		return exitConfig
	}

	logger, err := initLogger(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "avaproxy: failed to create logger: %v\n", err)
		return exitConfig
	}
	defer func() { _ = logger.Sync() }()
	observability.SetGlobalLogger(logger)

	app, err := initApplication(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize application", observability.Error(err))
		return exitConfig
	}

	printBanner(stdout, cfg, flags.stdinShutdown)

	if err := runProxy(app, flags, stdin); err != nil {
		logger.Error("proxy terminated with error", observability.Error(err))
		return exitConfig
	}
	return exitOK
}

// printVersion prints version information.
func printVersion(w io.Writer) {
	_, _ = fmt.Fprintf(w, "avaproxy version %s\n", version)
	_, _ = fmt.Fprintf(w, "  Build time: %s\n", buildTime)
	_, _ = fmt.Fprintf(w, "  Git commit: %s\n", gitCommit)
}

// loadConfig loads the configuration file, if any, then applies flag and
// positional overrides and validates the result.
func loadConfig(flags cliFlags, pos positional) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if flags.configPath != "" {
		path, err := config.ResolveConfigPath(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg, err = config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
	}

	cfg.Copy.Mode = pos.mode.String()
	if pos.bufferSet {
		cfg.Copy.ChunkSize = pos.bufferSize
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = flags.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// initLogger creates the application logger.
func initLogger(cfg *config.Config) (observability.Logger, error) {
	return observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
}
