package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ransomeye/pkg/envelope"
	"ransomeye/pkg/telemetry"
	"ransomeye/services/agents/linux"
)

const serviceName = "ransomeye-linux-agent"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], app{
		env:    envconfig.OsLookuper(),
		host:   linux.SystemHost{},
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	})
	stop()
	os.Exit(int(code))
}

type app struct {
	env    envconfig.Lookuper
	host   linux.HostSource
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	started bool
}

func run(ctx context.Context, args []string, a app) (code linux.ExitCode) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(a.stderr, "FATAL: %s panic: %v\n", serviceName, r)
			code = linux.ExitFatalError
		}
	}()

	root := a.newRootCommand()
	root.SetArgs(args)
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return linux.ExitSuccess
	}
	if !a.started {
		fmt.Fprintf(a.stderr, "error: %v\n", err)
		return linux.ExitConfigError
	}
	return linux.ExitCodeFor(err)
}

func (a *app) newRootCommand() *cobra.Command {
	emit := a.newEmitCommand()

	cmd := &cobra.Command{
		Use:           "ransomeye-agent",
		Short:         "Forge one tamper-evident event envelope and deliver it to the ingest service",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.started = true
		},
		RunE: emit.RunE,
	}
	cmd.Flags().AddFlagSet(emit.Flags())

	cmd.AddCommand(emit)
	cmd.AddCommand(a.newVerifyCommand())
	return cmd
}

func (a *app) newEmitCommand() *cobra.Command {
	var (
		dryRun bool
		output string
	)

	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Forge a genesis envelope and POST it once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.emit(cmd.Context(), dryRun, output)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the sealed envelope instead of transmitting it")
	cmd.Flags().StringVar(&output, "output", "json", "Dry-run output format (json or yaml)")
	return cmd
}

func (a *app) emit(ctx context.Context, dryRun bool, output string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	endpoint, _ := a.env.Lookup("OTEL_EXPORTER_OTLP_ENDPOINT")
	tel, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    endpoint,
		Output:      a.stderr,
	})
	if err != nil {
		return &linux.RunError{Stage: linux.StageConfig, Err: fmt.Errorf("init telemetry: %w", err)}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(a.stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	logger := tel.Logger
	logger.Printf("INFO agent starting")

	cfg, err := linux.LoadConfig(ctx, a.env)
	if err != nil {
		logger.Printf("FATAL configuration: %v; agent cannot start without it (fail-closed)", err)
		return &linux.RunError{Stage: linux.StageConfig, Err: err}
	}
	logger.Printf("INFO ingest url %s, timeout %s", cfg.IngestURL, cfg.IngestTimeout)

	agent, err := linux.New(cfg,
		linux.WithHostSource(a.host),
		linux.WithLogger(logger),
		linux.WithTracer(tel.Tracer()),
		linux.WithTransport(tel.Transport(nil)),
	)
	if err != nil {
		logger.Printf("FATAL %v", err)
		return err
	}

	if dryRun {
		env, err := agent.Forge(ctx)
		if err != nil {
			logger.Printf("FATAL failed to construct event envelope: %v", err)
			return err
		}
		return writeEnvelope(a.stdout, env, output)
	}

	env, err := agent.Run(ctx)
	if err != nil {
		logEmitFailure(logger, cfg, env, err)
		return err
	}

	logger.Printf("INFO agent completed successfully: %s", env.EventID)
	return nil
}

func logEmitFailure(logger *log.Logger, cfg linux.Config, env *envelope.Envelope, err error) {
	if env == nil {
		logger.Printf("FATAL failed to construct event envelope: %v", err)
		return
	}
	logger.Printf("FATAL failed to transmit event %s to %s: %v", env.EventID, cfg.IngestURL, err)
}

func (a *app) newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [file|-]",
		Short: "Check an envelope against the schema, its invariants and its hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			return a.verify(path)
		},
	}
}

func (a *app) verify(path string) error {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(a.stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return &linux.RunError{Stage: linux.StageVerify, Err: fmt.Errorf("read envelope: %w", err)}
	}

	env, err := verifyEnvelope(raw)
	if err != nil {
		fmt.Fprintf(a.stderr, "INVALID: %v\n", err)
		return err
	}

	fmt.Fprintf(a.stdout, "OK %s %s\n", env.EventID, env.Integrity.HashSHA256)
	return nil
}

func verifyEnvelope(raw []byte) (*envelope.Envelope, error) {
	if err := envelope.ValidateSchema(raw); err != nil {
		return nil, &linux.RunError{Stage: linux.StageVerify, Err: err}
	}

	env, err := envelope.Decode(raw)
	if err != nil {
		return nil, &linux.RunError{Stage: linux.StageVerify, Err: err}
	}
	if err := env.Validate(); err != nil {
		return nil, &linux.RunError{Stage: linux.StageVerify, EventID: env.EventID, Err: err}
	}
	if err := envelope.Verify(env); err != nil {
		return nil, &linux.RunError{Stage: linux.StageVerify, EventID: env.EventID, Err: err}
	}
	return env, nil
}

func writeEnvelope(w io.Writer, env *envelope.Envelope, format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(env)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(env); err != nil {
			return err
		}
		return enc.Close()
	default:
		return &linux.RunError{Stage: linux.StageConfig, Err: errors.New("unsupported output format " + format)}
	}
}
