package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/terrpan/pushbutan/internal/buildinfo"
	"github.com/terrpan/pushbutan/internal/config"
	"github.com/terrpan/pushbutan/internal/gh"
	"github.com/terrpan/pushbutan/internal/health"
	"github.com/terrpan/pushbutan/internal/logparse"
	"github.com/terrpan/pushbutan/internal/mcpserver"
	"github.com/terrpan/pushbutan/internal/ops"
	"github.com/terrpan/pushbutan/internal/otel"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pushbutan",
	Short: "Control client for GPU dev instances and codesign runs",
	Long: `pushbutan drives the GitHub Actions workflows that manage GPU dev
instances and codesign jobs: it dispatches a workflow, finds the run
that dispatch produced, waits for it to finish, and reads the result
back out of the run's logs or artifacts.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides.  The GitHub token can also come from the GITHUB_TOKEN
environment variable or the system keyring (see "pushbutan login").`,
	SilenceUsage: true,
	Version:      fmt.Sprintf("%s (commit %s, built %s)", buildinfo.Version, buildinfo.Commit, buildinfo.BuildTime),
}

func init() {
	pf := rootCmd.PersistentFlags()

	// Config file
	pf.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// GitHub overrides
	pf.StringVar(&flagOverrides.GitHub.Token, "token", "", "GitHub personal access token")
	pf.StringVar(&flagOverrides.GitHub.Owner, "owner", "", "Repository owner")
	pf.StringVar(&flagOverrides.GitHub.Repo, "repo", "", "Repository name")

	// Logging overrides
	pf.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(
		newListCmd(),
		newStartCmd(),
		newStopCmd(),
		newCodesignCmd(),
		newCodesignWorkflowCmd(),
		newMCPCmd(),
		newLoginCmd(),
	)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.GitHub.Token != "" {
		cfg.GitHub.Token = flagOverrides.GitHub.Token
	}
	if flagOverrides.GitHub.Owner != "" {
		cfg.GitHub.Owner = flagOverrides.GitHub.Owner
	}
	if flagOverrides.GitHub.Repo != "" {
		cfg.GitHub.Repo = flagOverrides.GitHub.Repo
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
	if flagOverrides.Prometheus.Port != 0 {
		cfg.Prometheus.Port = flagOverrides.Prometheus.Port
	}
}

// app holds everything a subcommand needs after startup.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	client   *gh.Client
	service  *ops.Service
	username string

	shutdownOTel func(context.Context) error
}

// setup performs the startup sequence shared by every subcommand.
// When stderrLogs is true the logger writes to stderr, which keeps
// stdout clean for protocol traffic (MCP mode) and command output.
func setup(ctx context.Context, stderrLogs bool) (*app, error) {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	if stderrLogs {
		logger = cfg.NewStderrLogger()
	}
	logger.Debug("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("owner", cfg.GitHub.Owner),
		slog.String("repo", cfg.GitHub.Repo),
	)

	// ---------------------------------------------------------------
	// 3. Set up OpenTelemetry
	// ---------------------------------------------------------------
	shutdown, err := otel.SetupOTelSDK(ctx, "pushbutan", otel.Config{
		Enabled:        cfg.OTel.Enabled,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		StdOut:         cfg.OTel.StdOut,
		PrometheusPort: cfg.Prometheus.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up telemetry: %w", err)
	}

	// ---------------------------------------------------------------
	// 4. Create GitHub client and resolve the acting user
	// ---------------------------------------------------------------
	client, err := cfg.NewClient(logger)
	if err != nil {
		return nil, fmt.Errorf("creating GitHub client: %w", err)
	}

	username, err := client.AuthenticatedUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving authenticated user: %w", err)
	}
	logger.Info("authenticated", slog.String("username", username))

	// ---------------------------------------------------------------
	// 5. Assemble the operation facade
	// ---------------------------------------------------------------
	return &app{
		cfg:          cfg,
		logger:       logger,
		client:       client,
		service:      cfg.NewService(client, username, logger),
		username:     username,
		shutdownOTel: shutdown,
	}, nil
}

func (a *app) close(ctx context.Context) {
	if a.shutdownOTel == nil {
		return
	}
	if err := a.shutdownOTel(context.WithoutCancel(ctx)); err != nil {
		a.logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
	}
}

func parseArch(windows bool) logparse.Arch {
	if windows {
		return logparse.ArchWindows
	}
	return logparse.ArchLinux
}

func parseInstanceType(s string) (logparse.InstanceType, error) {
	switch t := logparse.InstanceType(s); t {
	case logparse.InstanceTypeG4dn, logparse.InstanceTypeP3:
		return t, nil
	}
	return "", fmt.Errorf("unsupported instance type %q (supported: %s, %s)",
		s, logparse.InstanceTypeG4dn, logparse.InstanceTypeP3)
}

func parseCert(s string) (ops.Cert, error) {
	switch c := ops.Cert(s); c {
	case ops.CertProd, ops.CertDev:
		return c, nil
	}
	return "", fmt.Errorf("unsupported cert %q (supported: %s, %s)", s, ops.CertProd, ops.CertDev)
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the repository's workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			a, err := setup(ctx, false)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			workflows, err := a.service.ListWorkflows(ctx)
			if err != nil {
				return err
			}
			for _, wf := range workflows {
				fmt.Printf("%-12d %-10s %s\n", wf.ID, wf.State, wf.Name)
			}
			return nil
		},
	}
}

func newStartCmd() *cobra.Command {
	var (
		instanceType string
		lifetime     string
		branch       string
		imageID      string
		windows      bool
		saveLogs     bool
		timeoutMin   int
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a GPU dev instance and print its connection details",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			it, err := parseInstanceType(instanceType)
			if err != nil {
				return err
			}

			a, err := setup(ctx, false)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			details, err := a.service.StartInstance(ctx, parseArch(windows), ops.StartOptions{
				InstanceType: it,
				Lifetime:     lifetime,
				Branch:       branch,
				ImageID:      imageID,
				SaveLogs:     saveLogs,
				Timeout:      time.Duration(timeoutMin) * time.Minute,
			})
			if err != nil {
				return err
			}

			fmt.Printf("instance id:   %s\n", details.InstanceID)
			fmt.Printf("ip address:    %s\n", details.IPAddress)
			fmt.Printf("platform:      %s\n", details.Arch)
			fmt.Printf("instance type: %s\n", details.InstanceType)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&instanceType, "instance-type", string(logparse.InstanceTypeG4dn), "EC2 instance type (g4dn.4xlarge, p3.2xlarge)")
	f.StringVar(&lifetime, "lifetime", "24", "Instance lifetime in hours")
	f.StringVar(&branch, "branch", "main", "Branch whose workflow definition to dispatch")
	f.StringVar(&imageID, "image-id", "latest", "Machine image to boot")
	f.BoolVar(&windows, "windows", false, "Start a Windows instance instead of Linux")
	f.BoolVar(&saveLogs, "save-logs", false, "Persist the raw run logs to the configured logs directory")
	f.IntVar(&timeoutMin, "timeout", 0, "Minutes to wait for the run (0 uses the default)")

	return cmd
}

func newStopCmd() *cobra.Command {
	var timeoutMin int

	cmd := &cobra.Command{
		Use:   "stop <instance-id>",
		Short: "Stop a running dev instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			a, err := setup(ctx, false)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			result, err := a.service.StopInstance(ctx, args[0], time.Duration(timeoutMin)*time.Minute)
			if err != nil {
				return err
			}
			fmt.Printf("instance %s stopped (run %d)\n", args[0], result.RunID)
			return nil
		},
	}

	cmd.Flags().IntVar(&timeoutMin, "timeout", 0, "Minutes to wait for the run (0 uses the default)")
	return cmd
}

func newCodesignCmd() *cobra.Command {
	var (
		cert             string
		channel          string
		packageSpec      string
		generateRepodata bool
		downloadDir      string
		timeoutMin       int
	)

	cmd := &cobra.Command{
		Use:   "codesign",
		Short: "Run the Windows codesign workflow against a channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			c, err := parseCert(cert)
			if err != nil {
				return err
			}
			if channel == "" {
				return fmt.Errorf("--channel is required")
			}

			a, err := setup(ctx, false)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			result, err := a.service.TriggerCodesign(ctx, ops.CodesignOptions{
				Cert:             c,
				Channel:          channel,
				PackageSpec:      packageSpec,
				GenerateRepodata: generateRepodata,
				DownloadDir:      downloadDir,
				Timeout:          time.Duration(timeoutMin) * time.Minute,
			})
			if err != nil {
				return err
			}

			fmt.Printf("codesign run %d succeeded\n", result.RunID)
			if result.ArtifactPath != "" {
				fmt.Printf("artifact: %s\n", result.ArtifactPath)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cert, "cert", string(ops.CertDev), "Signing certificate (prod, dev)")
	f.StringVar(&channel, "channel", "", "Org channel holding the packages to sign")
	f.StringVar(&packageSpec, "package-spec", "", "Restrict signing to packages matching this spec")
	f.BoolVar(&generateRepodata, "generate-repodata", false, "Regenerate repodata files after signing")
	f.StringVar(&downloadDir, "download-dir", "", "Download the run's first artifact into this directory")
	f.IntVar(&timeoutMin, "timeout", 0, "Minutes to wait for the run (0 uses the codesign default)")

	return cmd
}

func newCodesignWorkflowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "codesign-workflow",
		Short: "Print the codesign workflow's definition file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			a, err := setup(ctx, false)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			src, err := a.service.InspectCodesignWorkflow(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("# %s (id %d, %s)\n%s", src.Name, src.ID, src.Path, src.Source)
			return nil
		},
	}
}

func newMCPCmd() *cobra.Command {
	var metricsPort int

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve pushbutan tools over MCP on stdio",
		Long: `mcp exposes the instance and workflow operations as Model Context
Protocol tools over stdio.  Logs go to stderr so stdout stays clean for
the protocol stream.  With a metrics port configured, /metrics and
/healthz are served over HTTP for the lifetime of the session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			// The port override has to land before setup so the
			// Prometheus reader is built with it.
			if metricsPort > 0 {
				flagOverrides.Prometheus.Port = metricsPort
			}

			a, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			srv, err := mcpserver.New(mcpserver.Config{
				Version: buildinfo.Version,
				Service: a.service,
				Logger:  a.logger.WithGroup("mcp"),
			})
			if err != nil {
				return fmt.Errorf("creating MCP server: %w", err)
			}

			if a.cfg.Prometheus.Port > 0 {
				go serveMetrics(a, a.cfg.Prometheus.Port)
			}

			return srv.Run(ctx)
		},
	}

	cmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "Serve /metrics and /healthz on this port while the session runs")
	return cmd
}

func serveMetrics(a *app, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.Handler(a.cfg.GitHub.Owner+"/"+a.cfg.GitHub.Repo))

	addr := fmt.Sprintf(":%d", port)
	a.logger.Info("serving metrics", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		a.logger.Error("metrics server", slog.String("error", err.Error()))
	}
}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <token>",
		Short: "Store a GitHub token in the system keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.StoreToken(args[0]); err != nil {
				return fmt.Errorf("storing token: %w", err)
			}
			fmt.Println("token stored")
			return nil
		},
	}
}
