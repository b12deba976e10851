// Package main provides the tracer binary: attaches to a running process
// and streams its context switches, function calls and callstacks to
// stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tracesplice/tracer/internal/logging"
	"github.com/tracesplice/tracer/internal/sys/proc"
	"github.com/tracesplice/tracer/internal/tracer"
	"github.com/tracesplice/tracer/pkg/version"
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tracer",
		Short:         "tracer attaches to a running process and streams its runtime behavior",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newTraceCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("tracer version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

func newTraceCmd() *cobra.Command {
	var (
		pid                   int32
		port                  int
		functionListPath      string
		traceContextSwitches  bool
		traceCallstacks       bool
		samplingPeriodNs      uint64
		processingDelayMs     uint64
		emitCallstackOnReturn bool
		notifyTidOnFork       bool
		logLevel              string
	)

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Trace a running process",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(logging.Config{Level: logLevel, Pretty: true, Output: os.Stdout})

			if pid == 0 && port != 0 {
				resolved, err := proc.FindPidByPort(port)
				if err != nil {
					return fmt.Errorf("find process listening on port %d: %w", port, err)
				}
				if resolved == 0 {
					return fmt.Errorf("no process found listening on port %d", port)
				}
				pid = resolved
				logger.Info().Int32("pid", pid).Int("port", port).Msg("resolved target pid from listening port")
			}
			if pid == 0 {
				return fmt.Errorf("either --pid or --port must be set")
			}

			cfg := tracer.Config{
				TargetPid:                  pid,
				TraceContextSwitches:       traceContextSwitches,
				TraceCallstacks:            traceCallstacks,
				TraceInstrumentedFunctions: functionListPath != "",
				SamplingPeriodNs:           samplingPeriodNs,
				ProcessingDelayMs:          processingDelayMs,
				EmitCallstackOnReturn:      emitCallstackOnReturn,
				NotifyTidOnFork:            notifyTidOnFork,
			}

			if functionListPath != "" {
				fns, err := tracer.LoadFunctionList(functionListPath)
				if err != nil {
					return fmt.Errorf("load function list: %w", err)
				}
				cfg.InstrumentedFunctions = fns
			}

			caps := tracer.DetectCapabilities()
			logger.Info().
				Bool("supported", caps.Supported).
				Str("kernel_version", caps.KernelVersion).
				Bool("btf_available", caps.BTFAvailable).
				Msg("detected tracing capabilities")

			var kernel tracer.KernelCounters
			if caps.Supported {
				kernel = tracer.NewLinuxKernelCounters(logger)
			} else {
				kernel = tracer.NewUnsupportedKernelCounters(caps.KernelVersion)
			}

			listener := newStdoutListener(logger)
			engine, err := tracer.NewTracerEngine(cfg, kernel, tracer.NewClock(), listener, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return engine.Run(ctx)
		},
	}

	cmd.Flags().Int32Var(&pid, "pid", 0, "target process id (required unless --port is set)")
	cmd.Flags().IntVar(&port, "port", 0, "resolve the target pid from the process listening on this port instead of --pid")
	cmd.Flags().StringVar(&functionListPath, "functions", "", "path to a YAML file listing instrumented functions")
	cmd.Flags().BoolVar(&traceContextSwitches, "context-switches", true, "trace context switches")
	cmd.Flags().BoolVar(&traceCallstacks, "callstacks", true, "periodically sample and reconstruct callstacks")
	cmd.Flags().Uint64Var(&samplingPeriodNs, "sampling-period-ns", tracer.DefaultSamplingPeriodNs, "stack sampling period in nanoseconds")
	cmd.Flags().Uint64Var(&processingDelayMs, "processing-delay-ms", tracer.DefaultProcessingDelayMs, "event reorder window in milliseconds")
	cmd.Flags().BoolVar(&emitCallstackOnReturn, "emit-callstack-on-return", false, "also emit a callstack at function return, not just entry")
	cmd.Flags().BoolVar(&notifyTidOnFork, "notify-tid-on-fork", true, "notify the listener of a new thread as soon as it forks")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}
