package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/niczy/gitsubmit/internal/models"
	adminservice "github.com/niczy/gitsubmit/internal/services/admin"
	submitservice "github.com/niczy/gitsubmit/internal/services/submit"
)

const rpcTimeout = 2 * time.Minute

// errRejected is returned when a submission left some change unmerged.
var errRejected = errors.New("submission rejected")

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSubmitCommand(opts *RootOptions) *cobra.Command {
	var submitter string
	var noReceipt bool
	cmd := &cobra.Command{
		Use:   "submit <change-id>",
		Short: "Submit a change together with its dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(opts, func(cli *CLI) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
				defer cancel()
				resp, err := cli.submitClient.Submit(ctx, &submitservice.SubmitRequest{ChangeID: args[0], Submitter: submitter})
				if err != nil {
					return fmt.Errorf("failed to submit: %w", err)
				}
				if !noReceipt && resp.Result != nil {
					store, err := opts.receiptStore()
					if err == nil {
						err = store.Save(resp.Result)
					}
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "warning: receipt not saved: %v\n", err)
					}
				}
				if err := printResult(cmd.OutOrStdout(), opts.Format, resp.Result); err != nil {
					return err
				}
				if resp.Error != "" {
					if opts.Format == "text" {
						fmt.Fprintln(cmd.ErrOrStderr(), resp.Error)
						if resp.Retryable {
							fmt.Fprintln(cmd.ErrOrStderr(), "The submission may succeed if retried.")
						}
					}
					return errRejected
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&submitter, "as", "", "submit on behalf of this user")
	cmd.Flags().BoolVar(&noReceipt, "no-receipt", false, "do not record the result locally")
	return cmd
}

func printResult(w io.Writer, format string, result *models.SubmitResult) error {
	if format == "json" {
		return writeJSON(w, result)
	}
	if result == nil {
		return nil
	}
	fmt.Fprintf(w, "Submission %s (%d attempt(s))\n", result.SubmissionID, result.Attempts)
	ids := make([]string, 0, len(result.Outcomes))
	for id := range result.Outcomes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) < len(ids[j])
		}
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		o := result.Outcomes[id]
		if o.Merged() {
			fmt.Fprintf(w, "- %s %s %s %s\n", id, o.Status, models.ShortBranchName(o.Branch), o.Commit)
			continue
		}
		fmt.Fprintf(w, "- %s %s %s: %s\n", id, o.Status, o.Kind, firstLine(o.Reason))
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func newChangeCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "change",
		Short: "Inspect and register changes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <change-id>",
		Short: "Show a change and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(opts, func(cli *CLI) error {
				resp, err := cli.submitClient.GetChange(cmd.Context(), &submitservice.GetChangeRequest{ChangeID: args[0]})
				if err != nil {
					return fmt.Errorf("failed to get change: %w", err)
				}
				w := cmd.OutOrStdout()
				if opts.Format == "json" {
					return writeJSON(w, resp)
				}
				ch := resp.Change
				fmt.Fprintf(w, "Change %s: %s\n", ch.ID, ch.Subject)
				fmt.Fprintf(w, "Project: %s\n", ch.Project)
				fmt.Fprintf(w, "Branch: %s\n", ch.Branch)
				fmt.Fprintf(w, "Status: %s\n", ch.Status)
				if ch.Topic != "" {
					fmt.Fprintf(w, "Topic: %s\n", ch.Topic)
				}
				if ps := ch.CurrentPatchSet(); ps != nil {
					fmt.Fprintf(w, "Patch set %d: %s\n", ps.Number, ps.Commit)
				}
				if ch.MergedCommit != "" {
					fmt.Fprintf(w, "Merged as: %s\n", ch.MergedCommit)
				}
				for _, m := range resp.Messages {
					fmt.Fprintf(w, "\n[%s] %s\n%s\n", m.CreatedAt.Format(time.RFC3339), m.Author, m.Message)
				}
				return nil
			})
		},
	})

	var create adminservice.CreateChangeRequest
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a change for a commit already in the repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(opts, func(cli *CLI) error {
				resp, err := cli.adminClient.CreateChange(cmd.Context(), &create)
				if err != nil {
					return fmt.Errorf("failed to create change: %w", err)
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), resp.Change)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Change created: %s\n", resp.Change.ID)
				return nil
			})
		},
	}
	createCmd.Flags().StringVar(&create.Project, "project", "", "project name")
	createCmd.Flags().StringVar(&create.Branch, "branch", "master", "destination branch")
	createCmd.Flags().StringVar(&create.Commit, "commit", "", "patch set commit")
	createCmd.Flags().StringVar(&create.Topic, "topic", "", "topic")
	createCmd.Flags().StringVar(&create.Owner, "owner", envOr("USER", "user"), "change owner")
	createCmd.Flags().BoolVar(&create.Record.Submittable, "submittable", true, "mark the change as approved")
	cmd.AddCommand(createCmd)
	return cmd
}

func newChangesCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Query changes",
	}
	var req adminservice.ListChangesRequest
	list := &cobra.Command{
		Use:   "list",
		Short: "List changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(opts, func(cli *CLI) error {
				resp, err := cli.adminClient.ListChanges(cmd.Context(), &req)
				if err != nil {
					return fmt.Errorf("failed to list changes: %w", err)
				}
				w := cmd.OutOrStdout()
				if opts.Format == "json" {
					return writeJSON(w, resp.Changes)
				}
				fmt.Fprintf(w, "Found %d change(s):\n", len(resp.Changes))
				for _, ch := range resp.Changes {
					fmt.Fprintf(w, "- %s %s %s/%s %s\n", ch.ID, ch.Status, ch.Project, models.ShortBranchName(ch.Branch), ch.Subject)
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&req.Project, "project", "", "only changes of this project")
	list.Flags().StringVar(&req.Branch, "branch", "", "only changes for this branch")
	list.Flags().StringVar(&req.Topic, "topic", "", "only changes in this topic")
	list.Flags().StringVar(&req.Status, "status", "", "NEW, MERGED or ABANDONED")
	list.Flags().IntVar(&req.Limit, "limit", 50, "maximum number of changes to return")
	cmd.AddCommand(list)
	return cmd
}

func newAutoMergeCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "automerge",
		Short: "Inspect automatic merges",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "diff <project> <commit>",
		Short: "List the paths a commit changes against its diff base",
		Long:  "For a merge commit the base is its automatic merge, so the listed paths are the manual merge resolution.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(opts, func(cli *CLI) error {
				resp, err := cli.adminClient.AutoMergeDiff(cmd.Context(), &adminservice.AutoMergeDiffRequest{Project: args[0], Commit: args[1]})
				if err != nil {
					return fmt.Errorf("failed to diff: %w", err)
				}
				w := cmd.OutOrStdout()
				if opts.Format == "json" {
					return writeJSON(w, resp)
				}
				base := resp.Base
				if base == "" {
					base = "(none)"
				}
				fmt.Fprintf(w, "Commit: %s\nBase: %s\n", resp.Commit, base)
				for _, p := range resp.Paths {
					fmt.Fprintf(w, "  %s\n", p)
				}
				return nil
			})
		},
	})
	return cmd
}

func newSubscriptionsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "Inspect submodule subscriptions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Check the subscription graph for cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(opts, func(cli *CLI) error {
				resp, err := cli.adminClient.ValidateSubscriptions(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to validate subscriptions: %w", err)
				}
				if opts.Format == "json" {
					if err := writeJSON(cmd.OutOrStdout(), resp); err != nil {
						return err
					}
				} else if resp.Valid {
					fmt.Fprintln(cmd.OutOrStdout(), "Subscriptions OK")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), resp.Error)
				}
				if !resp.Valid {
					return errors.New("subscription graph is invalid")
				}
				return nil
			})
		},
	})
	return cmd
}

func newWatchCommand(opts *RootOptions) *cobra.Command {
	var req adminservice.WatchSubmissionsRequest
	var count int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream submission events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(opts, func(cli *CLI) error {
				ctx, cancel := context.WithCancel(cmd.Context())
				defer cancel()
				stream, err := cli.adminClient.WatchSubmissions(ctx, &req)
				if err != nil {
					return fmt.Errorf("failed to watch: %w", err)
				}
				w := cmd.OutOrStdout()
				for seen := 0; count <= 0 || seen < count; seen++ {
					evt, err := stream.Recv()
					if errors.Is(err, io.EOF) {
						return nil
					}
					if err != nil {
						return err
					}
					if opts.Format == "json" {
						if err := writeJSON(w, evt); err != nil {
							return err
						}
						continue
					}
					switch evt.Type {
					case "change-merged":
						fmt.Fprintf(w, "%s merged %s into %s/%s as %s\n", evt.SubmissionID, evt.ChangeID, evt.Project, models.ShortBranchName(evt.Branch), evt.Commit)
					default:
						fmt.Fprintf(w, "%s rejected %s (%s): %s\n", evt.SubmissionID, evt.ChangeID, evt.Kind, firstLine(evt.Reason))
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Project, "project", "", "only events of this project")
	cmd.Flags().StringVar(&req.ChangeID, "change", "", "only events of this change")
	cmd.Flags().IntVar(&count, "count", 0, "stop after this many events")
	return cmd
}

func newReceiptsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "Show results of submissions made from this machine",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recorded submissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.receiptStore()
			if err != nil {
				return err
			}
			ids, err := store.List()
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), ids)
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <submission-id>",
		Short: "Show a recorded submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.receiptStore()
			if err != nil {
				return err
			}
			result, err := store.Load(args[0])
			if err != nil {
				return fmt.Errorf("failed to load receipt: %w", err)
			}
			return printResult(cmd.OutOrStdout(), opts.Format, result)
		},
	})
	return cmd
}

func newIndexesCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "indexes",
		Short: "Maintain storage indexes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild cached change indexes from durable storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(opts, func(cli *CLI) error {
				resp, err := cli.adminClient.RebuildIndexes(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to rebuild indexes: %w", err)
				}
				if resp.Rebuilt {
					fmt.Fprintln(cmd.OutOrStdout(), "Indexes rebuilt")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "Storage backend keeps no indexes")
				}
				return nil
			})
		},
	})
	return cmd
}
