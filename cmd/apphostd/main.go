// Command apphostd is the apphost server daemon: it loads configuration,
// reconciles the registered app list from the on-disk manifest, serves
// the REST+SSE control-plane API over a hand-rolled HTTP/1.1 engine, and
// runs the health-check auto-restart loop until a termination signal
// arrives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/apphost/apphost/internal/api"
	"github.com/apphost/apphost/internal/app"
	"github.com/apphost/apphost/internal/apperr"
	"github.com/apphost/apphost/internal/config"
	"github.com/apphost/apphost/internal/history"
	"github.com/apphost/apphost/internal/httpengine"
	"github.com/apphost/apphost/internal/loader"
	"github.com/apphost/apphost/internal/manager"
	"github.com/apphost/apphost/internal/manifest"
	"github.com/apphost/apphost/internal/pipe"
	"github.com/apphost/apphost/internal/router"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath         string
	flagAddr           string
	flagBaseDir        string
	flagHealthInterval time.Duration
	flagAutoRestart    bool
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".apphost/config.yaml"
	}
	return filepath.Join(home, ".apphost", "config.yaml")
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

var rootCmd = &cobra.Command{
	Use:     "apphostd",
	Short:   "apphost server daemon",
	Version: fmt.Sprintf("%s (commit %s)", version, commit),
}

func init() {
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run()
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (default $APPHOST_CONFIG or ~/.apphost/config.yaml)")
	rootCmd.Flags().StringVar(&flagAddr, "addr", "", "override server bind address host:port")
	rootCmd.Flags().StringVar(&flagBaseDir, "base-dir", "", "override apps.baseDir")
	rootCmd.Flags().DurationVar(&flagHealthInterval, "health-interval", 0, "override health.interval")
	rootCmd.Flags().BoolVar(&flagAutoRestart, "auto-restart", true, "override health.autoRestart")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "apphostd:", err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("APPHOST_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath()
}

func run() error {
	path := resolveConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		fmt.Printf("[apphostd] wrote default config to %s\n", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// CLI flags take precedence over the config file.
	if flagAddr != "" {
		host, portStr, splitErr := net.SplitHostPort(flagAddr)
		if splitErr == nil {
			cfg.Server.Host = host
			fmt.Sscanf(portStr, "%d", &cfg.Server.Port)
		}
	}
	if flagBaseDir != "" {
		cfg.Apps.BaseDir = flagBaseDir
	}
	if flagHealthInterval > 0 {
		cfg.Health.Interval = flagHealthInterval
	}
	if cmdFlagChanged("auto-restart") {
		cfg.Health.AutoRestart = flagAutoRestart
	}

	baseDir := expandHome(cfg.Apps.BaseDir)
	manifestPath := expandHome(cfg.Apps.ManifestPath)
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fmt.Errorf("create apps.baseDir %s: %w", baseDir, err)
	}

	healthOpts := manager.HealthOptions{
		Interval:           cfg.Health.Interval,
		AutoRestart:        cfg.Health.AutoRestart,
		MaxRestartAttempts: cfg.Health.MaxRestartAttempts,
	}
	mgr := manager.New(loader.New(), baseDir, "js", healthOpts)

	historyPath := filepath.Join(filepath.Dir(manifestPath), "history.db")
	hist, err := history.Open(historyPath)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer hist.Close()
	mgr.SetHistory(hist)

	store := manifest.NewStore(manifestPath)
	infos, err := store.Load()
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if errs := mgr.Load(ctx, infos); len(errs) > 0 {
		for name, e := range errs {
			fmt.Fprintf(os.Stderr, "[apphostd] warning: init %s: %v\n", name, e)
		}
	}

	watcher, err := manifest.NewWatcher(manifestPath, baseDir, manifest.WatchTargets{
		OnManifestChange: func() {
			infos, loadErr := store.Load()
			if loadErr != nil {
				fmt.Fprintf(os.Stderr, "[apphostd] manifest reload failed: %v\n", loadErr)
				return
			}
			mgr.Load(ctx, infos)
		},
	})
	if err != nil {
		return fmt.Errorf("start manifest watcher: %w", err)
	}
	defer watcher.Close()

	r := router.New()
	api.Register(r, api.Options{
		Manager: mgr,
		History: hist,
		BaseDir: baseDir,
		Ext:     "js",
		Saver: func(infos []app.Info) error {
			watcher.PauseWatch(true)
			defer watcher.PauseWatch(false)
			return store.Save(infos)
		},
	})

	if staticRoot := expandHome(cfg.StaticServe.Root); staticRoot != "" {
		if err := os.MkdirAll(staticRoot, 0o755); err != nil {
			return fmt.Errorf("create staticServe.root %s: %w", staticRoot, err)
		}
		r.Static("/", staticRoot, router.StaticOptions{
			Dotfiles:    router.DotfilesIgnore,
			CacheMaxAge: 60,
			Compress:    cfg.StaticServe.Compress,
			IgnoreGlobs: cfg.StaticServe.IgnoreGlobs,
		})
	}

	mgr.StartHealthLoop(ctx)
	defer mgr.StopHealthLoop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	defer ln.Close()

	fmt.Printf("[apphostd] listening on http://%s\n", addr)

	errCh := make(chan error, 1)
	go func() { errCh <- acceptLoop(ctx, ln, r) }()

	select {
	case <-ctx.Done():
		fmt.Println("\n[apphostd] shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("accept loop: %w", err)
		}
	}

	if errs := mgr.StopAll(context.Background()); len(errs) > 0 {
		for name, e := range errs {
			fmt.Fprintf(os.Stderr, "[apphostd] warning: stop %s: %v\n", name, e)
		}
	}
	return nil
}

func cmdFlagChanged(name string) bool {
	return rootCmd.Flags().Changed(name)
}

// acceptLoop accepts connections and serves each on its own goroutine,
// looping Router.Serve + Engine.Reuse until the connection closes or
// ctx is cancelled. One request is in flight per connection at a time;
// there is no pipelining.
func acceptLoop(ctx context.Context, ln net.Listener, r *router.Router) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go serveConn(conn, r)
	}
}

func serveConn(conn net.Conn, r *router.Router) {
	defer conn.Close()
	p := pipe.New(conn)
	engine := httpengine.New(httpengine.RoleServer, p)

	for {
		if err := r.Serve(engine); err != nil {
			if !apperr.IsDisconnect(err) {
				slog.Error("connection serve failed", "remote", conn.RemoteAddr(), "error", err)
			}
			return
		}
		engine.Reuse()
	}
}
