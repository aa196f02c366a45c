package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"dbstack/internal/app"
	"dbstack/internal/config"
	"dbstack/internal/connectivity"
	"dbstack/internal/domain"
	"dbstack/internal/logging"
	"dbstack/internal/outputter"
	"dbstack/internal/stack"
)

type options struct {
	configPath string
	debug      bool
	output     string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		if errors.Is(err, domain.ErrConfiguration) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:          "dbstack",
		Short:        "dbstack - isolated Aurora MySQL stack",
		Long:         "Provisions a segmented VPC, an isolated Aurora MySQL cluster, a bastion host and a one-shot schema initialization task",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if present (optional, production should use env vars or IAM roles directly)
			_ = godotenv.Load()

			logging.SetLogLevel(logging.LogLevelWarn)
			if opts.debug {
				logging.SetLogLevel(logging.LogLevelDebug)
			}
			_, err := outputter.ParseFormat(opts.output)
			return err
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "stack.yaml", "Stack configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging (verbose output)")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "Output format: text, json or yaml")

	rootCmd.AddCommand(
		newDeployCmd(opts, out),
		newDestroyCmd(opts, out),
		newPlanCmd(opts, out),
		newGraphCmd(opts, out),
	)
	return rootCmd
}

func newDeployCmd(opts *options, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Create or update every resource of the stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := liveStack(cmd.Context(), opts)
			if err != nil {
				return err
			}
			report, runErr := st.Deploy(cmd.Context())
			if err := writeRun(out, opts, report, st.Outputs()); err != nil {
				return err
			}
			return runErr
		},
	}
}

func newDestroyCmd(opts *options, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy",
		Short: "Tear the stack down in reverse order",
		Long:  "Tear the stack down in reverse order. With removalPolicy retain the cluster and its credential are kept.",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := liveStack(cmd.Context(), opts)
			if err != nil {
				return err
			}
			report, runErr := st.Destroy(cmd.Context())
			if err := writeRun(out, opts, report, nil); err != nil {
				return err
			}
			return runErr
		},
	}
}

func newPlanCmd(opts *options, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the ordered provisioning steps without touching AWS",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := offlineStack(opts)
			if err != nil {
				return err
			}
			report, err := st.Plan()
			if err != nil {
				return err
			}
			format, _ := outputter.ParseFormat(opts.output)
			return outputter.WriteResult(out, format, outputter.Result{Report: report})
		},
	}
}

func newGraphCmd(opts *options, out io.Writer) *cobra.Command {
	var kind, format string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render the step graph or the connectivity policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := offlineStack(opts)
			if err != nil {
				return err
			}
			switch kind {
			case "steps":
				g, err := st.Graph()
				if err != nil {
					return err
				}
				return g.Render(out)
			case "connectivity":
				policy, err := st.Policy()
				if err != nil {
					return err
				}
				return connectivity.Render(policy, connectivity.Format(format), out)
			default:
				return fmt.Errorf("unknown graph kind %q (want steps or connectivity)", kind)
			}
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "steps", "What to render: steps or connectivity")
	cmd.Flags().StringVar(&format, "format", string(connectivity.FormatDOT), "Connectivity format: dot or mermaid")
	return cmd
}

func loadConfig(opts *options) (*config.StackConfig, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading stack configuration: %w", err)
	}
	logging.SetStack(cfg.StackName)
	return cfg, nil
}

// liveStack verifies credentials and builds the stack over real clients.
func liveStack(ctx context.Context, opts *options) (*stack.DatabaseStack, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	svc, err := app.NewServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("error initializing AWS clients: %w", err)
	}
	if _, err := svc.Preflight(ctx); err != nil {
		return nil, err
	}
	return app.Build(cfg, svc)
}

// offlineStack builds the stack without clients; it can plan and render but
// not run.
func offlineStack(opts *options) (*stack.DatabaseStack, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	return app.Build(cfg, &app.Services{Offline: true})
}

func writeRun(out io.Writer, opts *options, report *stack.Report, outputs *stack.Outputs) error {
	if report == nil {
		return nil
	}
	metrics := logging.GetMetrics()
	metrics.Finish()
	format, _ := outputter.ParseFormat(opts.output)
	return outputter.WriteResult(out, format, outputter.Result{
		Report:  report,
		Outputs: outputs,
		Metrics: metrics.Snapshot(),
	})
}
