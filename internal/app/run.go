package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"flora-session/internal/common/logging"
	"flora-session/internal/config"
)

const shutdownTimeout = 30 * time.Second

const usage = `usage: flora-session <command> [flags]

commands:
  serve              run the local session daemon
  login -u USER      log in (password from -p or FLORA_PASSWORD)
  logout             forget the stored session
  status             print the session status as JSON
  get PATH           GET PATH from the API with the session token
`

var errUsage = errors.New("invalid usage")

// Run is the main entry point for the application
func Run(args []string) error {
	// Load environment variables
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, args, os.Stdout)
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, usage)
		return errUsage
	}

	// Load and validate configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	closer, err := logging.InitGlobalLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closer.Close()
	defer logging.MustSync()

	command, rest := args[0], args[1:]
	switch command {
	case "serve":
		return serve(ctx, cfg)
	case "login":
		return withApp(ctx, cfg, func(app *App) error { return app.login(ctx, rest, stdout) })
	case "logout":
		return withApp(ctx, cfg, func(app *App) error { return app.logout(ctx, stdout) })
	case "status":
		return withApp(ctx, cfg, func(app *App) error { return app.status(stdout) })
	case "get":
		return withApp(ctx, cfg, func(app *App) error { return app.get(ctx, rest, stdout) })
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stdout, usage)
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}

func withApp(ctx context.Context, cfg *config.Config, fn func(*App) error) error {
	app, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Cleanup()
	return fn(app)
}

// serve runs the daemon until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config) error {
	logging.Info("Starting flora-session daemon", logging.String("listen_addr", cfg.ListenAddr))

	app, err := New(ctx, cfg)
	if err != nil {
		logging.Error("Failed to initialize application", err)
		return err
	}
	defer app.Cleanup()

	srv, err := app.NewServer()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logging.Error("Server stopped with error", err)
		return err
	}
	logging.Info("Server exited")
	return nil
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}
