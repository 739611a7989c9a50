package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/codefionn/sketchsync/internal/config"
	"github.com/codefionn/sketchsync/internal/consts"
	"github.com/codefionn/sketchsync/internal/logger"
	"github.com/codefionn/sketchsync/internal/reloadclient"
	"github.com/codefionn/sketchsync/internal/sketchhost"
	"github.com/codefionn/sketchsync/internal/syncserver"
)

type stringSlice []string

func (s *stringSlice) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, " ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

type cliOptions struct {
	host       sketchhost.HostConfig
	local      bool
	projectDir string
	evalCmd    string
	evalArgs   stringSlice
	evalTime   time.Duration
	fps        int
	verbose    bool
	reconnect  bool
	logLevel   string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (*cliOptions, error) {
	fs := flag.NewFlagSet("sketchclient", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := &cliOptions{}
	var files string
	fs.StringVar(&opts.host.IP, "ip", consts.DefaultIP, "IPv4 address of the sync server")
	fs.IntVar(&opts.host.Port, "port", consts.DefaultPort, "TCP port of the sync server")
	fs.StringVar(&files, "files", "", "Comma-separated source files, relative to the project directory")
	fs.BoolVar(&opts.local, "local", false, "Run a sync server in this process")
	fs.StringVar(&opts.projectDir, "project", "", "Project directory for -local (default: discovered from the working directory)")
	fs.StringVar(&opts.evalCmd, "eval", "", "Compiler command run on every received sketch")
	fs.Var(&opts.evalArgs, "eval-arg", "Argument for the compiler, {input} and {output} are replaced (repeatable)")
	fs.DurationVar(&opts.evalTime, "eval-timeout", consts.Timeout30Seconds, "Time limit for one compiler run")
	fs.IntVar(&opts.fps, "fps", 30, "Frames drawn per second")
	fs.BoolVar(&opts.verbose, "verbose", false, "Print every received sketch")
	fs.BoolVar(&opts.reconnect, "reconnect", true, "Reconnect when the server goes away")
	fs.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error, none)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s -files Sketch.cs[,Other.cs] [options]\n\n", fs.Name())
		fmt.Fprintln(fs.Output(), "Receives merged sketch sources from a sync server.")
		fmt.Fprintln(fs.Output(), "\nOptions:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	opts.host.Enabled = true
	opts.host.Files = sketchhost.ParseFilesCSV(files)
	if err := opts.host.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.fps <= 0 {
		return nil, fmt.Errorf("fps must be positive, got %d", opts.fps)
	}
	return opts, nil
}

func run(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	log := logger.NewWriter(logger.ParseLevel(opts.logLevel), os.Stderr, "")
	logger.SetGlobal(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.local {
		srv, err := startLocalServer(opts, log)
		if err != nil {
			return err
		}
		defer srv.Stop()
	}

	client := reloadclient.New(opts.host.Addr(), reloadclient.Options{Logger: log})
	defer client.Close()

	host := sketchhost.NewHost(newEvaluator(opts, log), client, sketchhost.HostOptions{
		Logger: log,
		OnSwap: func(_ sketchhost.Sketch, failed bool) {
			if failed {
				log.Warn("Showing error sketch")
			} else {
				log.Info("Sketch reloaded")
			}
		},
	})
	if err := host.Start(ctx, opts.host.Files); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return drawLoop(ctx, host, opts.fps)
	})
	if opts.reconnect {
		g.Go(func() error {
			return reconnectLoop(ctx, client, host, log)
		})
	}
	return g.Wait()
}

// startLocalServer runs a sync server in this process on the client's port
func startLocalServer(opts *cliOptions, log *logger.Logger) (*syncserver.Server, error) {
	dir := opts.projectDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		if dir, err = config.FindProjectRoot(wd); err != nil {
			return nil, err
		}
	}
	root, err := config.ValidateProjectDir(dir)
	if err != nil {
		return nil, err
	}
	if err := verifyFiles(root, opts.host.Files); err != nil {
		return nil, err
	}

	srv := syncserver.New(syncserver.Options{
		Addr:           net.JoinHostPort(opts.host.IP, strconv.Itoa(opts.host.Port)),
		Logger:         log,
		DefaultImports: config.DefaultImports(),
	})
	if err := srv.Start(root); err != nil {
		return nil, fmt.Errorf("failed to start local server: %w", err)
	}
	log.Info("Local server serving %s on %s", root, srv.Addr())
	return srv, nil
}

// verifyFiles checks that every requested file exists below root
func verifyFiles(root string, files []string) error {
	var missing []string
	for _, f := range files {
		info, err := os.Stat(filepath.Join(root, f))
		if err != nil || !info.Mode().IsRegular() {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("files not found in %s: %s", root, strings.Join(missing, ", "))
	}
	return nil
}

func newEvaluator(opts *cliOptions, log *logger.Logger) sketchhost.Evaluator {
	if opts.evalCmd == "" {
		return sketchhost.LogEvaluator{Logger: log, Verbose: opts.verbose}
	}
	return &sketchhost.ExecEvaluator{
		Command: opts.evalCmd,
		Args:    opts.evalArgs,
		Timeout: opts.evalTime,
		Logger:  log,
	}
}

func drawLoop(ctx context.Context, host *sketchhost.Host, fps int) error {
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for frame := 0; ; frame++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			host.Frame(frame)
		}
	}
}

// reconnectLoop resumes the client with exponential backoff after the server
// closed the connection
func reconnectLoop(ctx context.Context, client *reloadclient.Client, host *sketchhost.Host, log *logger.Logger) error {
	closed := make(chan struct{}, 1)
	client.OnStateChange(func(_, s reloadclient.State) {
		if s == reloadclient.StateClosed {
			select {
			case closed <- struct{}{}:
			default:
			}
		}
	})
	if client.State() == reloadclient.StateClosed {
		closed <- struct{}{}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = consts.Timeout10Seconds
		b.MaxElapsedTime = 0

		err := backoff.RetryNotify(func() error {
			return host.Shown(ctx)
		}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
			log.Warn("Reconnect failed, retrying in %s: %v", wait.Round(time.Millisecond), err)
		})
		if err != nil && ctx.Err() != nil {
			return nil
		}
	}
}
