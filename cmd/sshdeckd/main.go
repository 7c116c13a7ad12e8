// Command sshdeckd serves the sshdeck WebSocket gateway. UI clients connect
// to ws://<listen>/ws, open SSH sessions and terminals, and receive terminal
// output as pushed events.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ravkin/sshdeck/internal/config"
	"github.com/ravkin/sshdeck/internal/gateway"
	"github.com/ravkin/sshdeck/internal/logging"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to config file")
	listen := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	watcher, err := config.NewWatcher(*configPath, func(c *config.Config) {
		logging.Setup(c.Logging.Level, c.Logging.Redact)
	})
	if err != nil {
		slog.Error("load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	defer watcher.Close()

	cfg := watcher.Config()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Redact)

	addr := cfg.Listen
	if *listen != "" {
		addr = *listen
	}

	gw := gateway.NewServer(watcher.Config)
	server := &http.Server{
		Addr:              addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("sshdeckd listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("serve", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Warn("shutdown", "error", err)
	}
}
