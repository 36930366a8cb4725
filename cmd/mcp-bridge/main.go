// Command mcp-bridge exposes downstream MCP servers over HTTP: a legacy
// SSE-emulating transport plus a direct JSON-RPC POST surface, a single-flight
// tool execution API with human-in-the-loop elicitation, and an elicitation
// broadcast stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joeshaw/envdecode"

	"github.com/mcp-toolkit/mcp-bridge-go/bridgehttp"
	"github.com/mcp-toolkit/mcp-bridge-go/clientmgr"
	"github.com/mcp-toolkit/mcp-bridge-go/dispatch"
	"github.com/mcp-toolkit/mcp-bridge-go/elicitstream"
	"github.com/mcp-toolkit/mcp-bridge-go/toolexec"
)

// Config is populated from the environment via envdecode.
type Config struct {
	// Addr the HTTP server listens on. ENV: BRIDGE_ADDR
	Addr string `env:"BRIDGE_ADDR,default=:3000"`
	// BasePath is the public path prefix for all bridge routes. ENV: BRIDGE_BASE_PATH
	BasePath string `env:"BRIDGE_BASE_PATH,default=/api/mcp"`
	// ConfigFile points at the mcpServers JSON file. ENV: BRIDGE_CONFIG
	ConfigFile string `env:"BRIDGE_CONFIG,default=mcp-config.json"`
	// Env gates debug detail in error responses. ENV: BRIDGE_ENV
	Env string `env:"BRIDGE_ENV,default=development"`
	// KeepAlive is the SSE keepalive cadence. ENV: BRIDGE_SSE_KEEPALIVE
	KeepAlive time.Duration `env:"BRIDGE_SSE_KEEPALIVE,default=15s"`
	// ElicitationTimeout is how long a parked elicitation stays answerable. ENV: BRIDGE_ELICITATION_TIMEOUT
	ElicitationTimeout time.Duration `env:"BRIDGE_ELICITATION_TIMEOUT,default=5m"`
	// LogLevel is debug, info, warn, or error. ENV: BRIDGE_LOG_LEVEL
	LogLevel string `env:"BRIDGE_LOG_LEVEL,default=info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	servers, err := clientmgr.LoadConfigFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("load server config: %w", err)
	}

	mgr := clientmgr.NewManager(servers, clientmgr.WithLogger(log))
	defer mgr.Close()

	for _, id := range mgr.ListServers() {
		if err := mgr.Connect(ctx, id); err != nil {
			log.Warn("server.connect.fail", slog.String("server_id", id), slog.String("err", err.Error()))
		}
	}

	go watchConfig(ctx, log, mgr, cfg.ConfigFile)

	disp := dispatch.New(mgr, log)

	adapter := bridgehttp.New(disp, dispatch.ModeAdapter,
		bridgehttp.WithLogger(log),
		bridgehttp.WithKeepAliveInterval(cfg.KeepAlive),
		bridgehttp.WithBasePath(cfg.BasePath+"/adapter-http"))
	manager := bridgehttp.New(disp, dispatch.ModeManager,
		bridgehttp.WithLogger(log),
		bridgehttp.WithKeepAliveInterval(cfg.KeepAlive),
		bridgehttp.WithBasePath(cfg.BasePath+"/manager-http"))

	engine := toolexec.NewEngine(mgr,
		toolexec.WithEngineLogger(log),
		toolexec.WithElicitationTimeout(cfg.ElicitationTimeout))
	tools := toolexec.NewHTTPHandler(engine,
		toolexec.WithHandlerLogger(log),
		toolexec.WithStackTraces(cfg.Env != "production"))

	broadcast := elicitstream.New(mgr,
		elicitstream.WithLogger(log),
		elicitstream.WithKeepAliveInterval(cfg.KeepAlive))

	r := chi.NewRouter()
	r.Use(cors.New(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool { return true },
		AllowedMethods:  []string{"GET", "POST", "HEAD", "OPTIONS"},
		AllowedHeaders:  []string{"*"},
	}).Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	r.Handle(cfg.BasePath+"/adapter-http/*", http.StripPrefix(cfg.BasePath+"/adapter-http", adapter))
	r.Handle(cfg.BasePath+"/manager-http/*", http.StripPrefix(cfg.BasePath+"/manager-http", manager))
	r.Handle(cfg.BasePath+"/tools/*", http.StripPrefix(cfg.BasePath+"/tools", tools))
	r.Handle(cfg.BasePath+"/elicitation/*", http.StripPrefix(cfg.BasePath+"/elicitation", broadcast))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listen", slog.String("addr", cfg.Addr), slog.String("base_path", cfg.BasePath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("server.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func logLevel(s string) slog.Level {
	switch s {
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

// watchConfig hot-reloads the server list when the config file changes.
// Servers added to the file are registered; servers removed are disconnected
// and dropped. Changed entries are replaced.
func watchConfig(ctx context.Context, log *slog.Logger, mgr *clientmgr.Manager, path string) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debug("config.watch.unavailable", slog.String("err", err.Error()))
		return
	}
	defer w.Close()

	if err := w.Add(path); err != nil {
		log.Warn("config.watch.fail", slog.String("path", path), slog.String("err", err.Error()))
		return
	}

	// Editors often replace rather than rewrite, which fires several events in
	// a burst. Debounce and re-add the path since the inode may have changed.
	var timer *time.Timer
	reload := func() {
		_ = w.Add(path)
		servers, err := clientmgr.LoadConfigFile(path)
		if err != nil {
			log.Warn("config.reload.fail", slog.String("err", err.Error()))
			return
		}
		log.Info("config.reload", slog.Int("servers", len(servers)))
		mgr.ApplyConfig(ctx, servers)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, reload)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warn("config.watch.error", slog.String("err", err.Error()))
		}
	}
}
