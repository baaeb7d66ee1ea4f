// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/gogpu/gpucmd"
	"github.com/gogpu/gpucmd/backend/soft"
	"github.com/gogpu/gpucmd/backend/wgpu"
)

// options are the flags shared by all subcommands.
type options struct {
	backend  string
	validate bool
	verbose  bool
	workers  int
	timeout  time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "gpucmd",
		Short: "Record and run GPU command buffers",
		Long: `gpucmd drives the gpucmd command recording API against a registered
backend. The soft backend executes on the CPU; the wgpu backend translates
commands onto the gogpu HAL and the first GPU it finds.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			gpucmd.SetLogger(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.backend, "backend", "b", soft.Name, "backend to run on")
	flags.BoolVar(&opts.validate, "validate", false, "track resource states and reject hazards")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log per-batch diagnostics")
	flags.IntVar(&opts.workers, "workers", 0, "soft backend worker goroutines (0 = GOMAXPROCS)")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "limit for each scenario")

	root.AddCommand(newBackendsCmd(), newRunCmd(opts))
	return root
}

// openDevice opens the selected backend with its per-backend flags.
func (o *options) openDevice() (*gpucmd.Device, error) {
	devOpts := []gpucmd.DeviceOption{
		gpucmd.WithValidation(o.validate),
		gpucmd.WithLabel("gpucmd"),
	}
	switch o.backend {
	case soft.Name:
		devOpts = append(devOpts, gpucmd.WithBackendOptions(soft.WithWorkers(o.workers)))
	case wgpu.Name:
		devOpts = append(devOpts, gpucmd.WithBackendOptions(wgpu.WithSubmitTimeout(o.timeout)))
	}
	dev, err := gpucmd.Open(o.backend, devOpts...)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", o.backend, err)
	}
	return dev, nil
}

func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List registered backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range gpucmd.Backends() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
