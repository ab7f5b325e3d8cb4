// Copyright 2025 The Lorekeep Authors
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

// Command lorekeep runs the retrieval-augmented QA platform.
//
// Usage:
//
//	lorekeep serve --config config.yaml
//	lorekeep validate --config config.yaml
//	lorekeep version
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/lorekeep/lorekeep/pkg/config"
	"github.com/lorekeep/lorekeep/pkg/logger"
)

var version = "dev"

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the platform server."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text or json)." default:"text"`
	LogFile   string `help:"Log file path (empty = stderr)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("lorekeep %s\n", version)
	return nil
}

// ValidateCmd loads and validates the configuration, then exits.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("configuration OK (server %s:%d, %d rate-limited rpm reads)\n",
		cfg.Server.Host, cfg.Server.Port, cfg.RateLimit.ReadPerMin)
	return nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("lorekeep"),
		kong.Description("Multi-tenant retrieval-augmented QA platform."),
		kong.UsageOnError(),
	)

	cleanup, err := logger.Init(logger.Config{
		Level:  cli.LogLevel,
		Format: cli.LogFormat,
		File:   cli.LogFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := ctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
