package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	adminservice "github.com/niczy/gitsubmit/internal/services/admin"
	submitservice "github.com/niczy/gitsubmit/internal/services/submit"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	SubmitAddr string
	AdminAddr  string
	Format     string // "json" | "text"

	// dial opens client connections; tests replace it with an in-process transport.
	dial func(addr string) (*grpc.ClientConn, error)
	// receipts overrides the receipt store location.
	receipts *ReceiptStore
}

// CLI holds the service connections of one command invocation.
type CLI struct {
	submitConn   *grpc.ClientConn
	adminConn    *grpc.ClientConn
	submitClient *submitservice.Client
	adminClient  *adminservice.Client
}

func main() {
	if err := NewRootCommand(&RootOptions{}).Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCommand creates the gs command tree.
func NewRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gs",
		Short:         "gs - submit and inspect changes",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.SubmitAddr, "submit-addr", envOr("GITSUBMIT_SUBMIT_ADDR", "localhost:50051"), "Submit service address")
	cmd.PersistentFlags().StringVar(&opts.AdminAddr, "admin-addr", envOr("GITSUBMIT_ADMIN_ADDR", "localhost:50052"), "Admin service address")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newSubmitCommand(opts))
	cmd.AddCommand(newChangeCommand(opts))
	cmd.AddCommand(newChangesCommand(opts))
	cmd.AddCommand(newAutoMergeCommand(opts))
	cmd.AddCommand(newSubscriptionsCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newReceiptsCommand(opts))
	cmd.AddCommand(newIndexesCommand(opts))
	return cmd
}

func envOr(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return fallback
}

// NewCLI connects to both services.
func NewCLI(opts *RootOptions) (*CLI, error) {
	dial := opts.dial
	if dial == nil {
		dial = func(addr string) (*grpc.ClientConn, error) {
			return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		}
	}

	submitConn, err := dial(opts.SubmitAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to submit service: %w", err)
	}

	adminConn, err := dial(opts.AdminAddr)
	if err != nil {
		submitConn.Close()
		return nil, fmt.Errorf("failed to connect to admin service: %w", err)
	}

	return &CLI{
		submitConn:   submitConn,
		adminConn:    adminConn,
		submitClient: submitservice.NewClient(submitConn),
		adminClient:  adminservice.NewClient(adminConn),
	}, nil
}

func (c *CLI) Close() {
	if c.submitConn != nil {
		c.submitConn.Close()
	}
	if c.adminConn != nil {
		c.adminConn.Close()
	}
}

// withCLI runs fn with connected clients.
func withCLI(opts *RootOptions, fn func(cli *CLI) error) error {
	cli, err := NewCLI(opts)
	if err != nil {
		return err
	}
	defer cli.Close()
	return fn(cli)
}

func (o *RootOptions) receiptStore() (*ReceiptStore, error) {
	if o.receipts != nil {
		return o.receipts, nil
	}
	return NewReceiptStore()
}
