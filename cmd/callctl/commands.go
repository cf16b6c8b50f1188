package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"listener-calls/internal/audit"
	"listener-calls/internal/billing"
	"listener-calls/internal/busy"
	"listener-calls/internal/governor"
	"listener-calls/internal/pricing"
	"listener-calls/internal/wallet"
)

type deps struct {
	ledger interface {
		Finalize(ctx context.Context, callID string, durationSeconds int) (billing.Result, error)
	}
	capper interface {
		ComputeCap(ctx context.Context, callerID string, rate pricing.Rate) (governor.Cap, error)
	}
	mirrors busy.Mirror
	wallets interface {
		Credit(ctx context.Context, userID string, req wallet.CreditRequest) (wallet.Transaction, wallet.Balance, error)
	}
	tokens interface {
		IssueAccess(now time.Time, userID, role string) (string, error)
	}
	audit interface {
		Record(ctx context.Context, typ audit.EventType, actor audit.Actor, targetID, message string, metadata any)
	}
	close func() error
}

type loader func(ctx context.Context, needStore bool) (*deps, error)

const operatorRole = "operator"

func operator() audit.Actor {
	name := os.Getenv("USER")
	if name == "" {
		name = "callctl"
	}
	return audit.Actor{UserID: name, Role: operatorRole}
}

func newRootCmd(load loader) *cobra.Command {
	var timeout time.Duration
	root := &cobra.Command{
		Use:           "callctl",
		Short:         "Operator tools for the listener calls backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Command timeout")

	// run opens deps, runs fn under the timeout and closes deps.
	run := func(cmd *cobra.Command, needStore bool, fn func(ctx context.Context, d *deps) error) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		d, err := load(ctx, needStore)
		if err != nil {
			return err
		}
		defer d.close()
		return fn(ctx, d)
	}

	root.AddCommand(finalizeCmd(run), capCmd(run), clearBusyCmd(run), creditCmd(run), tokenCmd(run))
	return root
}

type runner func(cmd *cobra.Command, needStore bool, fn func(ctx context.Context, d *deps) error) error

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func finalizeCmd(run runner) *cobra.Command {
	var seconds int
	cmd := &cobra.Command{
		Use:   "finalize <call-id>",
		Short: "Bill a call that was never finalized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if seconds < 0 {
				return errors.New("--seconds must not be negative")
			}
			return run(cmd, true, func(ctx context.Context, d *deps) error {
				res, err := d.ledger.Finalize(ctx, args[0], seconds)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().IntVar(&seconds, "seconds", 0, "Duration to bill in seconds")
	_ = cmd.MarkFlagRequired("seconds")
	return cmd
}

func capCmd(run runner) *cobra.Command {
	var rateMinor int64
	cmd := &cobra.Command{
		Use:   "cap <caller-id>",
		Short: "Show how long a caller could talk at a rate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, true, func(ctx context.Context, d *deps) error {
				c, err := d.capper.ComputeCap(ctx, args[0], pricing.PerMinute(rateMinor))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), c)
			})
		},
	}
	cmd.Flags().Int64Var(&rateMinor, "rate-minor", 0, "Per-minute rate in minor units")
	_ = cmd.MarkFlagRequired("rate-minor")
	return cmd
}

// clearBusyCmd must only run while the api is stopped; the api resets the
// mirrors itself on start.
func clearBusyCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-busy",
		Short: "Clear every busy mirror (Redis slots and listeners.is_busy)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, true, func(ctx context.Context, d *deps) error {
				n, err := d.mirrors.Reset(ctx)
				d.audit.Record(ctx, audit.EventBusyReset, operator(), "", "busy mirrors cleared", map[string]int{"cleared": n})
				if err != nil {
					return fmt.Errorf("cleared %d, then: %w", n, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %d busy entries\n", n)
				return nil
			})
		},
	}
}

func creditCmd(run runner) *cobra.Command {
	var (
		amount    int64
		key       string
		reference string
	)
	cmd := &cobra.Command{
		Use:   "credit <user-id>",
		Short: "Credit a caller's wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount <= 0 {
				return errors.New("--amount must be positive")
			}
			if key == "" {
				key = "callctl:" + args[0] + ":" + time.Now().UTC().Format(time.RFC3339Nano)
			}
			return run(cmd, true, func(ctx context.Context, d *deps) error {
				tx, bal, err := d.wallets.Credit(ctx, args[0], wallet.CreditRequest{
					AmountMinor:    amount,
					Reference:      reference,
					IdempotencyKey: key,
				})
				if err != nil {
					return err
				}
				d.audit.Record(ctx, audit.EventWalletCredit, operator(), args[0], "wallet credited", tx)
				return printJSON(cmd.OutOrStdout(), map[string]any{"transaction": tx, "balance": bal})
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "Amount in minor units")
	cmd.Flags().StringVar(&key, "key", "", "Idempotency key (generated when empty)")
	cmd.Flags().StringVar(&reference, "reference", "", "Payment or ticket reference")
	return cmd
}

func tokenCmd(run runner) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an access token for testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, false, func(ctx context.Context, d *deps) error {
				tok, err := d.tokens.IssueAccess(time.Now(), args[0], role)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), tok)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "user", "Role claim: user, listener or admin")
	return cmd
}
