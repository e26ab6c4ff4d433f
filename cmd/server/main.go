package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-socket/config"
	"go-socket/server"
)

// getProjectRoot walks up from the working directory to the first
// directory holding a runtime config or a go.mod.
func getProjectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return findProjectRoot(wd)
}

func findProjectRoot(start string) string {
	dir := start
	for {
		for _, marker := range []string{config.DefaultFile, "go.mod"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return start
		}
		dir = parent
	}
}

type rootOptions struct {
	root       string
	configFile string
	ipcTimeout time.Duration
	logLevel   string
	logJSON    bool
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve a runtime application over HTTP",
		Long: `Serve a runtime application over HTTP.

Static files are served from the configured directories, ipc calls are
accepted under /__ipc/ and over the /__ws socket, and fetches inside a
registered service worker scope are forwarded to the connected worker.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.root, "root", "", "Project root. Defaults to the nearest directory with runtime.toml or go.mod")
	flags.StringVarP(&opts.configFile, "config", "c", "", "Runtime config file, relative to the project root")
	flags.DurationVar(&opts.ipcTimeout, "ipc-timeout", server.DefaultIPCTimeout, "How long an ipc call over HTTP waits for its result")
	flags.String("addr", "", "Listen address")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level: trace, debug, info, warn or error")
	flags.BoolVar(&opts.logJSON, "log-json", false, "Write logs as JSON lines")
	flags.Bool("debug", false, "Enable trace logging and build_debug")
	flags.Bool("hot-reload", false, "Reload surfaces when files under the project root change")

	_ = v.BindPFlag("server.addr", flags.Lookup("addr"))
	_ = v.BindPFlag("server.debug", flags.Lookup("debug"))
	_ = v.BindPFlag("server.hot_reload", flags.Lookup("hot-reload"))

	return cmd
}

func run(ctx context.Context, v *viper.Viper, opts *rootOptions) error {
	root := opts.root
	if root == "" {
		root = getProjectRoot()
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve project root: %w", err)
	}

	logOpts := logOptions{level: opts.logLevel, json: opts.logJSON, debug: v.GetBool("server.debug")}
	log, flush, err := newLogger(logOpts)
	if err != nil {
		return err
	}
	defer flush()

	cfg := config.Load(v, root, opts.configFile, log)
	if cfg.Server.Debug && !logOpts.debug {
		// debug = true in the config file
		flush()
		logOpts.debug = true
		log, flush, _ = newLogger(logOpts)
		defer flush()
	}

	srv, err := server.NewServer(server.Options{
		Root:       root,
		Config:     cfg,
		Log:        log,
		IPCTimeout: opts.ipcTimeout,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer srv.Close()

	if cfg.Server.HotReload {
		if err := srv.EnableHotReload(root); err != nil {
			log.Error(err, "hot reload disabled")
		} else {
			log.Info("hot reload enabled", "root", root)
		}
	}

	metrics := NewMetrics()
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newMux(srv, metrics, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return serve(ctx, httpServer, time.Duration(cfg.Server.ShutdownTimeoutMs)*time.Millisecond, log)
}

// serve runs httpServer until ctx is done or SIGINT/SIGTERM arrives, then
// shuts it down within timeout.
func serve(ctx context.Context, httpServer *http.Server, timeout time.Duration, log logr.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down", "timeout", timeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "graceful shutdown failed")
		_ = httpServer.Close()
		return err
	}
	log.Info("server stopped")
	return nil
}

func main() {
	if err := newRootCommand(config.NewViper()).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
