package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/codefionn/sketchsync/internal/config"
	"github.com/codefionn/sketchsync/internal/lockfile"
	"github.com/codefionn/sketchsync/internal/logger"
	"github.com/codefionn/sketchsync/internal/syncserver"
	"github.com/codefionn/sketchsync/internal/tui"
)

type cliOptions struct {
	configPath string
	ip         string
	port       int
	projectDir string
	logLevel   string
	headless   bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (*cliOptions, error) {
	fs := flag.NewFlagSet("sketchsync", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := &cliOptions{}
	fs.StringVar(&opts.configPath, "config", config.GetConfigPath(), "Path to the configuration file")
	fs.StringVar(&opts.ip, "ip", "", "IPv4 address clients use to reach this machine")
	fs.IntVar(&opts.port, "port", 0, "TCP port to listen on")
	fs.StringVar(&opts.projectDir, "project", "", "Project directory containing the sketch sources")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error, none)")
	fs.BoolVar(&opts.headless, "headless", false, "Run without the control panel even on a terminal")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options]\n\n", fs.Name())
		fmt.Fprintln(fs.Output(), "Serves merged sketch sources to hot reload clients.")
		fmt.Fprintln(fs.Output(), "\nOptions:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// loadConfig layers file, environment and flags in that order
func loadConfig(opts *cliOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if opts.ip != "" {
		cfg.Sync.IP = opts.ip
	}
	if opts.port != 0 {
		cfg.Sync.Port = opts.port
	}
	if opts.projectDir != "" {
		cfg.Sync.ProjectDir = opts.projectDir
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(args []string) (err error) {
	opts, err := parseArgs(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if !cfg.Sync.Enabled {
		fmt.Fprintln(os.Stderr, "Hot reload is disabled in the configuration")
		return nil
	}

	interactive := !opts.headless && term.IsTerminal(int(os.Stdout.Fd()))
	level := logger.ParseLevel(cfg.LogLevel)
	if interactive {
		if err := logger.Init(level, cfg.LogPath); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
	} else {
		logger.SetGlobal(logger.NewWriter(level, os.Stderr, ""))
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	lock := lockfile.ForPort(config.StateDir(), cfg.Sync.Port)
	if err := lock.TryAcquire(cfg.ListenAddr(), cfg.Sync.ProjectDir); err != nil {
		return err
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil {
			logger.Warn("Failed to release lock: %v", releaseErr)
		}
	}()

	srv := syncserver.New(syncserver.Options{
		Addr:             cfg.ListenAddr(),
		Logger:           logger.Global(),
		Debounce:         cfg.Debounce(),
		HandshakeTimeout: cfg.HandshakeTimeout(),
		DefaultImports:   cfg.Sync.DefaultImports,
		MaxConnections:   cfg.Sync.MaxConnections,
	})
	defer func() {
		if stopErr := srv.Stop(); stopErr != nil {
			logger.Warn("Failed to stop server cleanly: %v", stopErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("sketchsync starting: project=%s port=%d", cfg.Sync.ProjectDir, cfg.Sync.Port)
	if err := srv.Start(cfg.Sync.ProjectDir); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	if interactive {
		return runPanel(ctx, srv, cfg)
	}
	return runHeadless(ctx, srv, cfg)
}

func runPanel(ctx context.Context, srv *syncserver.Server, cfg *config.Config) error {
	logs := tui.NewLogBuffer(0)
	logger.Global().SetSink(logs.Add)
	defer logger.Global().SetSink(nil)

	return tui.Run(ctx, srv, tui.Options{
		Port:       cfg.Sync.Port,
		ProjectDir: cfg.Sync.ProjectDir,
		Logs:       logs,
	})
}

func runHeadless(ctx context.Context, srv *syncserver.Server, cfg *config.Config) error {
	fmt.Fprintf(os.Stderr, "Serving %s, clients connect to %s:%d (Ctrl+C to stop)\n",
		cfg.Sync.ProjectDir, config.FirstIPv4(), cfg.Sync.Port)
	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}
