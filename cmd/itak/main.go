// Copyright 2026 The iTaK Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command itak runs the iTaK personal agent runtime.
//
// Usage:
//
//	itak serve --config itak.yaml
//	itak validate --config itak.yaml
//	itak schema > config.schema.json
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/itak-ai/itak/pkg/agent"
	"github.com/itak-ai/itak/pkg/config"
)

// Exit codes. 130 follows the shell convention for SIGINT.
const (
	exitOK          = 0
	exitConfig      = 1
	exitInit        = 2
	exitInterrupted = 130
)

// exitError carries a process exit code through kong's error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" default:"withargs" help:"Run the agent runtime."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate JSON Schema for the configuration."`

	Config string `short:"c" help:"Path to config file." type:"path" default:"itak.yaml"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("itak version %s\n", version)
	return nil
}

// ServeCmd builds the runtime from the config and blocks until the
// process is signalled or the API listener fails.
type ServeCmd struct {
	Port int `help:"Override the API port from the config." default:"0"`

	ShutdownGrace time.Duration `name:"shutdown-grace" help:"How long to wait for in-flight work on shutdown." default:"15s"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	if c.Port != 0 {
		cfg.Port = c.Port
	}

	a, err := agent.New(cfg, cli.Config)
	if err != nil {
		return &exitError{code: exitInit, err: fmt.Errorf("failed to build runtime: %w", err)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Start(ctx) }()

	fmt.Printf("iTaK ready on http://%s:%d (health: /health)\n", cfg.Host, cfg.Port)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
		cancel()
		if err := c.shutdown(a); err != nil {
			slog.Error("shutdown incomplete", "error", err)
		}
		return &exitError{code: exitInterrupted}
	case err := <-errCh:
		cancel()
		if serr := c.shutdown(a); err == nil {
			err = serr
		}
		if err != nil {
			return &exitError{code: exitInit, err: err}
		}
		return nil
	}
}

func (c *ServeCmd) shutdown(a *agent.Agent) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.ShutdownGrace)
	defer cancel()
	return a.Shutdown(ctx)
}

// ValidateCmd loads and validates a configuration file without
// starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	fmt.Printf("%s: valid\n", cli.Config)
	fmt.Printf("  model roles: %d\n", len(cfg.Models))
	fmt.Printf("  adapters:    %d\n", len(cfg.Adapters))
	fmt.Printf("  swarm:       %d profiles\n", len(cfg.Swarm))
	return nil
}

// SchemaCmd writes the config JSON Schema to stdout.
type SchemaCmd struct {
	Compact bool `help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run() error {
	return writeConfigSchema(os.Stdout, c.Compact)
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("itak"),
		kong.Description("iTaK - personal AI agent runtime"),
		kong.UsageOnError(),
	)

	if err := ctx.Run(&cli); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, "itak:", ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "itak:", err)
		os.Exit(exitInit)
	}
	os.Exit(exitOK)
}
