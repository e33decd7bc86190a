// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package main

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type options struct {
	configPath  string
	logLevel    string
	showVersion bool
}

// parseFlags parses command line flags. Configuration values still come from
// koanf; flags only select the file and override the log level.
func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("fleetpulse", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file (default: CONFIG_PATH, ./config.yaml, /etc/fleetpulse/config.yaml)")
	fs.StringVar(&opts.logLevel, "log-level", "", "override LOG_LEVEL (trace, debug, info, warn, error)")
	fs.BoolVar(&opts.showVersion, "version", false, "print the version and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}
