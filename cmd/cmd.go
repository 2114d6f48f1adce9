// Package cmd is the CLI entry point for meshproxy.
package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Polqt/meshproxy/config"
	"github.com/Polqt/meshproxy/logx"
	"github.com/Polqt/meshproxy/server"
)

// Run parses args and dispatches to a subcommand. With no arguments it
// starts the proxy using the default config path.
func Run(args []string) error {
	if len(args) == 0 {
		return runProxy("config.yaml", "", "")
	}
	switch args[0] {
	case "proxy":
		return runProxy(firstNonFlag(args[1:], "config.yaml"), argAt(args, 2), argAt(args, 3))
	case "validate":
		return runValidate(firstNonFlag(args[1:], "config.yaml"))
	case "inspect":
		return runInspect(argAt(args, 1))
	case "version":
		fmt.Println("meshproxy v0.1.0")
		return nil
	default:
		// A bare, non-numeric first argument is treated as a config path,
		// per spec.md §6's `proxy [config_path] [listen_host] [listen_port]`.
		if _, err := strconv.Atoi(args[0]); err != nil {
			return runProxy(args[0], argAt(args, 1), argAt(args, 2))
		}
		return fmt.Errorf("unknown command %q — try: proxy, validate, inspect, version", args[0])
	}
}

func argAt(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func firstNonFlag(args []string, fallback string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return fallback
}

// runProxy loads the configuration, builds the server, starts the admin
// and proxy listeners, and blocks until SIGINT/SIGTERM.
func runProxy(configPath, host, port string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if host != "" {
		h := host
		if port != "" {
			h = host + ":" + port
		}
		cfg.Listen = h
	}

	log := logx.New(cfg.Logging.Level)
	holder := config.NewHolderFrom(configPath, cfg, log)

	srv, err := server.New(holder, log)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan struct{})
	holder.WatchSIGHUP(stop)
	if err := holder.WatchFile(stop); err != nil {
		log.Warn("config file watch disabled", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(stop)
		cancel()
		srv.Shutdown(context.Background())
	}()

	go func() {
		if err := srv.ListenAndServeAdmin(); err != nil {
			log.Error("admin server stopped", "error", err)
		}
	}()

	return srv.ListenAndServeProxy(ctx)
}

// runValidate loads and validates configPath, printing the resolved
// settings, and exits non-zero on any load/validation error — an operator
// tool supplementing the original's implicit validate-on-load.
func runValidate(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	fmt.Printf("config OK: %s\n", configPath)
	fmt.Printf("  listen:         %s\n", cfg.Listen)
	fmt.Printf("  metrics_listen: %s\n", cfg.MetricsListen)
	fmt.Printf("  upstreams:      %v\n", cfg.Upstreams)
	fmt.Printf("  timeouts:       %+v\n", cfg.Timeouts)
	fmt.Printf("  limits:         %+v\n", cfg.Limits)
	fmt.Printf("  logging.level:  %s\n", cfg.Logging.Level)
	return nil
}

// runInspect fetches and pretty-prints the /metrics endpoint of a running
// proxy's admin listener, completing the teacher's stubbed inspect
// subcommand.
func runInspect(adminAddr string) error {
	if adminAddr == "" {
		adminAddr = "127.0.0.1:8081"
	}
	resp, err := http.Get("http://" + adminAddr + "/metrics")
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inspect: admin endpoint returned %s", resp.Status)
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}
