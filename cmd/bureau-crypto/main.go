// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/matrixcrypto/lib/config"
	"github.com/bureau-foundation/matrixcrypto/lib/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options are the flags shared by every subcommand.
type options struct {
	configPath string
	logLevel   string
}

func (o *options) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&o.configPath, "config", "", "engine config file (default: $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&o.logLevel, "log-level", "info", "minimum log level: debug, info, warn, or error")
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, stdout, stderr io.Writer) error
}

var commands = []command{
	{"run", "sync with the homeserver and keep keys current", runSync},
	{"verify", "verify another device by comparing emoji", runVerify},
	{"backup", "create, inspect, or restore the server-side key backup", runBackup},
	{"inspect", "count the records in the crypto store", runInspect},
	{"logout", "wipe all cryptographic state of this device", runLogout},
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" || args[0] == "help" {
		printUsage(stdout)
		return nil
	}
	if args[0] == "--version" || args[0] == "version" {
		fmt.Fprintf(stdout, "bureau-crypto %s\n", version.Info())
		return nil
	}
	for _, cmd := range commands {
		if cmd.name == args[0] {
			return cmd.run(ctx, args[1:], stdout, stderr)
		}
	}
	printUsage(stderr)
	return fmt.Errorf("unknown command %q", args[0])
}

// parseFlags parses the shared flags plus any the command adds, and
// returns the positional arguments.
func parseFlags(name string, args []string, stderr io.Writer, extra func(*pflag.FlagSet)) (*options, []string, error) {
	var opts options
	flagSet := pflag.NewFlagSet("bureau-crypto "+name, pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	opts.addFlags(flagSet)
	if extra != nil {
		extra(flagSet)
	}
	if err := flagSet.Parse(args); err != nil {
		return nil, nil, err
	}
	return &opts, flagSet.Args(), nil
}

func printUsage(out io.Writer) {
	fmt.Fprintf(out, "usage: bureau-crypto <command> [--config FILE] [--log-level LEVEL] [args...]\n\n")
	fmt.Fprintf(out, "commands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(out, "  %-10s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintf(out, "\nenvironment:\n")
	fmt.Fprintf(out, "  %s  config file used when --config is not given\n", config.EnvironmentVariable)
}

func newLogger(out io.Writer, level string) (*slog.Logger, error) {
	var minimum slog.Level
	if err := minimum.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: minimum})), nil
}

// loadSettings reads and validates the config file.
func loadSettings(opts *options) (*config.Config, error) {
	var (
		settings *config.Config
		err      error
	)
	if opts.configPath != "" {
		settings, err = config.LoadFile(opts.configPath)
	} else {
		settings, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return settings, nil
}
