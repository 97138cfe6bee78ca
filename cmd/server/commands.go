package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/energy-ledger/config"
	"github.com/warp/energy-ledger/ledger"
	"github.com/warp/energy-ledger/store/postgres"
)

// Offline commands run without hooks: nothing is published and no metrics
// are recorded for mutations made from the command line.

// withApp opens the configured store for one command. Logs go to stderr so
// stdout stays machine readable.
func withApp(cmd *cobra.Command, cfgPath string, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfgPath, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// ─── balance ────────────────────────────────────────────────────────────────

func newBalanceCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "balance USER",
		Short: "Print a wallet's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app) error {
				w, err := a.service().GetWallet(ctx, ledger.UserID(args[0]))
				if errors.Is(err, ledger.ErrWalletNotFound) {
					return fmt.Errorf("no wallet for %q", args[0])
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "user:            %s\n", w.UserID)
				fmt.Fprintf(out, "balance:         %d\n", w.Balance)
				fmt.Fprintf(out, "lifetime earned: %d\n", w.LifetimeEarned)
				fmt.Fprintf(out, "lifetime spent:  %d\n", w.LifetimeSpent)
				fmt.Fprintf(out, "streak:          %d days, %d bonuses\n", w.CurrentStreakDays, w.StreakCount)
				return nil
			})
		},
	}
}

// ─── history ────────────────────────────────────────────────────────────────

func newHistoryCmd(cfgPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history USER",
		Short: "Print recent transactions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app) error {
				txs, err := a.service().ListTransactions(ctx, ledger.UserID(args[0]), limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SEQ\tCREATED\tTYPE\tAMOUNT\tBALANCE\tACTION\tREFERENCE")
				for _, tx := range txs {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%+d\t%d\t%s\t%s\n",
						tx.Seq, tx.CreatedAt.Format("2006-01-02 15:04:05"), tx.Type, tx.Amount,
						tx.BalanceAfter, tx.Metadata.String(ledger.MetaAction), tx.Reference)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", ledger.DefaultListLimit, "Maximum number of transactions")
	return cmd
}

// ─── credit ─────────────────────────────────────────────────────────────────

func newCreditCmd(cfgPath *string) *cobra.Command {
	var (
		txType    string
		reference string
		source    string
		action    string
	)
	cmd := &cobra.Command{
		Use:   "credit USER AMOUNT",
		Short: "Grant energy (purchase, refund, promotion)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount must be an integer, got %q", args[1])
			}
			meta := ledger.Metadata{ledger.MetaSource: source}
			if action != "" {
				meta[ledger.MetaAction] = action
			}
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app) error {
				res, err := a.service().Credit(ctx, ledger.CreditRequest{
					UserID:    ledger.UserID(args[0]),
					Amount:    amount,
					Type:      ledger.TransactionType(strings.ToUpper(txType)),
					Metadata:  meta,
					Reference: reference,
				})
				if err != nil {
					return err
				}
				if res.Replayed {
					fmt.Fprintf(cmd.OutOrStdout(), "reference %q already applied, balance %d\n", reference, res.Balance)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "credited %d, balance %d (tx %s)\n", amount, res.Balance, res.Transaction.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&txType, "type", string(ledger.TxCredit), "Transaction type: CREDIT or BONUS")
	cmd.Flags().StringVar(&reference, "reference", "", "Idempotency key, e.g. a payment id")
	cmd.Flags().StringVar(&source, "source", "cli", "metadata.source")
	cmd.Flags().StringVar(&action, "action", "", "metadata.action (defaults to the type)")
	return cmd
}

// ─── verify ─────────────────────────────────────────────────────────────────

func newVerifyCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [USER]",
		Short: "Replay wallet histories and report drift",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app) error {
				svc := a.service()
				ids := make([]ledger.UserID, 0, 1)
				if len(args) == 1 {
					ids = append(ids, ledger.UserID(args[0]))
				} else {
					all, err := svc.WalletIDs(ctx)
					if err != nil {
						return err
					}
					ids = all
				}

				out := cmd.OutOrStdout()
				bad := 0
				for _, id := range ids {
					report, err := svc.Verify(ctx, id)
					if err != nil {
						return fmt.Errorf("%s: %w", id, err)
					}
					if report.Consistent() {
						fmt.Fprintf(out, "%s: ok (balance %d, %d transactions)\n", id, report.Balance, report.TransactionCount)
						continue
					}
					bad++
					fmt.Fprintf(out, "%s: INCONSISTENT\n", id)
					for _, issue := range report.Issues {
						fmt.Fprintf(out, "  - %s\n", issue)
					}
				}
				if bad > 0 {
					return fmt.Errorf("%d of %d wallets inconsistent", bad, len(ids))
				}
				return nil
			})
		},
	}
}

// ─── migrate ────────────────────────────────────────────────────────────────

func newMigrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL schema migrations",
		Long:  `Apply the embedded PostgreSQL migrations. SQLite creates its schema on open.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.Store.Driver != config.DriverPostgres {
				fmt.Fprintf(cmd.OutOrStdout(), "driver %q manages its own schema, nothing to do\n", cfg.Store.Driver)
				return nil
			}
			st, err := postgres.Open(cmd.Context(), cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := postgres.Migrate(st.DB()); err != nil {
				return err
			}
			version, dirty, err := postgres.MigrationVersion(st.DB())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
}
