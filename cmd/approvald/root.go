package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/garyjia/devportal-approvals/internal/config"
	"github.com/garyjia/devportal-approvals/pkg/approvalclient"
	"github.com/garyjia/devportal-approvals/pkg/utils"
)

// clientFlags are shared by commands that talk to a running service
type clientFlags struct {
	url        string
	token      string
	user       string
	userHeader string
	timeout    time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", envOr("APPROVALS_URL", "http://localhost:7007"), "approval service base URL")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv("APPROVALS_TOKEN"), "bearer token")
	cmd.Flags().StringVar(&f.user, "user", "", "user ref sent in the dev user header")
	cmd.Flags().StringVar(&f.userHeader, "user-header", "X-Approvals-User", "dev user header name")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "request timeout")
}

func (f *clientFlags) client() *approvalclient.Client {
	opts := []approvalclient.Option{}
	if f.token != "" {
		opts = append(opts, approvalclient.WithToken(f.token))
	}
	if f.user != "" {
		opts = append(opts, approvalclient.WithUserHeader(f.userHeader, f.user))
	}
	return approvalclient.New(f.url, opts...)
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "approvald",
		Short:         "Approval gate service for portal workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `approvald persists approval requests raised by workflow steps, records
approver decisions and resolves waiting steps once a request is approved,
rejected or timed out.

Examples:
  # Run the HTTP API and the expiry sweeper
  approvald serve --config configs/config.yaml

  # Apply database migrations
  approvald migrate

  # Approve a request as alice against a dev server
  approvald decide <request-id> approved --user alice

  # Show a request and its decisions
  approvald status <request-id> --user alice
`,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", envOr("APPROVALS_CONFIG", ""), "path to YAML config file")

	loadConfig := func() (*config.Config, *zap.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		logger, err := utils.NewLogger(utils.LoggerConfig{
			Level:      cfg.Logger.Level,
			OutputPath: cfg.Logger.OutputPath,
			Format:     cfg.Logger.Format,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		return cfg, logger, nil
	}

	root.AddCommand(
		newServeCmd(loadConfig),
		newMigrateCmd(loadConfig),
		newActionCmd(loadConfig),
		newTokenCmd(loadConfig),
		newDecideCmd(),
		newStatusCmd(),
	)
	return root
}

type configLoader func() (*config.Config, *zap.Logger, error)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
