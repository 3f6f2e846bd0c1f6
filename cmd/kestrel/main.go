// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kestrel Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command kestrel runs the agent orchestration service.
//
// Usage:
//
//	kestrel serve --config kestrel.yaml
//	kestrel validate --config kestrel.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/kestrelhq/kestrel/pkg/config"
	"github.com/kestrelhq/kestrel/pkg/logger"
	"github.com/kestrelhq/kestrel/pkg/observability"
	"github.com/kestrelhq/kestrel/pkg/runtime"
	"github.com/kestrelhq/kestrel/pkg/server"
)

type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the agent service."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFormat string `help:"Log format (json or text)."`
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("kestrel %s\n", version)
	return nil
}

type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if _, err := config.Load(cli.Config); err != nil {
		return err
	}
	fmt.Println("Configuration is valid.")
	return nil
}

type ServeCmd struct {
	Addr string `help:"Listen address override."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.LogFormat = cli.LogFormat
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}

	logger.Init(logger.ParseLevel(cfg.LogLevel), os.Stderr, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	registry, err := observability.InitMetrics(cfg.Tracing.ServiceName)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	shutdownTracer, err := observability.InitGlobalTracer(ctx, cfg.Tracing, nil)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("starting runtime: %w", err)
	}
	rt.StartScheduler(ctx)

	srv := server.New(cfg.Server, rt.Dispatcher,
		server.WithMetricsRegistry(registry),
		server.WithPoolInspector(rt.MCP),
	)

	serveErr := srv.Start(ctx)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer drainCancel()
	rt.Shutdown(drainCtx)
	if err := shutdownTracer(drainCtx); err != nil {
		slog.Warn("Tracer shutdown failed", "error", err)
	}

	return serveErr
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("kestrel"),
		kong.Description("Adaptive agent orchestration service."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(cli); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
