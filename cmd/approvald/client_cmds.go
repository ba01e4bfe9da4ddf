package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/garyjia/devportal-approvals/pkg/approvalclient"
)

func newDecideCmd() *cobra.Command {
	var (
		flags   clientFlags
		comment string
	)
	cmd := &cobra.Command{
		Use:   "decide <request-id> <approved|rejected>",
		Short: "Record your decision on a request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := args[1]
			if status != "approved" && status != "rejected" {
				return fmt.Errorf("decision must be approved or rejected, got %q", status)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			req, err := flags.client().UpdateStatus(ctx, args[0], status, comment)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), req)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&comment, "comment", "", "comment recorded with the decision")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var (
		flags clientFlags
		wait  bool
	)
	cmd := &cobra.Command{
		Use:   "status [request-id]",
		Short: "Show a request and its decisions, or list pending requests",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := flags.client()
			ctx := cmd.Context()

			if len(args) == 0 {
				ctx, cancel := context.WithTimeout(ctx, flags.timeout)
				defer cancel()
				reqs, err := client.ListApprovals(ctx, approvalclient.ListOptions{Status: "pending"})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), reqs)
			}

			id := args[0]
			if wait {
				// --wait is bounded only by the caller's interrupt
				if _, err := client.WaitForDecision(ctx, id, 0); err != nil {
					return err
				}
			}

			ctx, cancel := context.WithTimeout(ctx, flags.timeout)
			defer cancel()
			req, err := client.GetApproval(ctx, id)
			if err != nil {
				return err
			}
			decisions, err := client.ListDecisions(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"request":   req,
				"decisions": decisions,
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the request is decided")
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
