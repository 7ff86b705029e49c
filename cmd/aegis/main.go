// Command aegis runs the multi-agent orchestration core as a standalone
// process: load config, wire every component through internal/core, start
// the background loops, and block until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/corvidlabs/aegis/internal/config"
	"github.com/corvidlabs/aegis/internal/core"
)

// CLI is the top-level command surface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the orchestration core."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config string `short:"c" help:"Path to config file." type:"path" default:"aegis.yaml"`
}

// VersionCmd prints the build version embedded by the Go toolchain.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
	fmt.Printf("aegis %s\n", version)
	return nil
}

// ValidateCmd loads and validates a config file without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("config OK: %d backend(s), %d model key(s)\n", len(cfg.Inference.Backends), len(cfg.Inference.Models))
	return nil
}

// ServeCmd starts the orchestration core and its metrics endpoint.
type ServeCmd struct {
	MetricsAddr string `name:"metrics-addr" help:"Override the configured Prometheus listen address."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ac, err := core.New(ctx, cfg, core.Options{})
	if err != nil {
		return fmt.Errorf("build agent core: %w", err)
	}

	ac.Start(ctx)
	defer ac.Stop(context.Background())

	addr := c.MetricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if cfg.Metrics.Enabled && addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", ac.Metrics.Handler())
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				ac.Log.Error("metrics server failed", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		ac.Log.Info("metrics server listening", "addr", addr)
	}

	ac.Log.Info("aegis started")
	<-ctx.Done()
	ac.Log.Info("aegis shutting down")
	return nil
}

func main() {
	var cli CLI
	parser := kong.Parse(&cli, kong.Name("aegis"), kong.Description("Multi-agent orchestration core for a personal AI assistant."))
	parser.FatalIfErrorf(config.LoadEnvFiles())
	err := parser.Run(&cli)
	parser.FatalIfErrorf(err)
}
