package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/garyjia/devportal-approvals/internal/application/action"
	"github.com/garyjia/devportal-approvals/internal/container"
)

func newActionCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "Run workflow actions locally",
	}

	var (
		inputPath string
		taskID    string
		user      string
	)
	run := &cobra.Command{
		Use:   "run <action-id>",
		Short: "Execute an action with a YAML or JSON input file",
		Long: `Execute an action the way a workflow step would. For scaffolder:approval
this creates the request and blocks until it is decided or times out.

Example:
  approvald action run scaffolder:approval --input approval.yaml --task-id task-42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(inputPath)
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}

			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := container.NewContainer(cfg, logger)
			if err != nil {
				return err
			}
			if err := c.Start(ctx); err != nil {
				_ = c.Close()
				return err
			}
			defer c.Close()

			out, err := c.Actions().Execute(ctx, args[0], &action.Invocation{
				TaskID:   taskID,
				User:     user,
				RawInput: raw,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	run.Flags().StringVarP(&inputPath, "input", "i", "", "action input file (YAML or JSON)")
	run.Flags().StringVar(&taskID, "task-id", "", "task id; a synthetic id is used when empty")
	run.Flags().StringVar(&user, "user", "", "entity ref of the user running the step")
	_ = run.MarkFlagRequired("input")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := action.NewRegistry(action.NewApprovalAction(nil, nil))
			for _, id := range reg.IDs() {
				a, _ := reg.Get(id)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, a.Description())
			}
			return nil
		},
	}

	cmd.AddCommand(run, list)
	return cmd
}
