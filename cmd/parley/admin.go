package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/pkg/billing"
	"github.com/parleyhq/parley/pkg/cache"
	"github.com/parleyhq/parley/pkg/state"
	"github.com/parleyhq/parley/pkg/store"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operator commands",
	Long:  `Operator-only commands that update durable state directly and invalidate the affected caches.`,
}

var (
	adminReason       string
	topSpendersDays   int
	topSpendersLimit  int
	inspectOpsHistory int
)

func init() {
	adminCmd.PersistentFlags().StringVar(&adminReason, "reason", "admin adjustment", "reason recorded on the ledger row")
	adminTopSpendersCmd.Flags().IntVar(&topSpendersDays, "days", 30, "aggregation window in days")
	adminTopSpendersCmd.Flags().IntVar(&topSpendersLimit, "limit", 10, "number of users to list")
	adminInspectCmd.Flags().IntVar(&inspectOpsHistory, "operations", 10, "recent ledger rows to show")

	adminCmd.AddCommand(adminSetBalanceCmd)
	adminCmd.AddCommand(adminAddBalanceCmd)
	adminCmd.AddCommand(adminRefundCmd)
	adminCmd.AddCommand(adminTopSpendersCmd)
	adminCmd.AddCommand(adminInspectCmd)
	adminCmd.AddCommand(adminSetMarginCmd)
}

// openAdmin wires the stores an admin command needs. The cache client is
// wired so balance mutations invalidate the cached user snapshot; a dead
// Redis just degrades the invalidation to the TTL.
func openAdmin(ctx context.Context) (*billing.Engine, *store.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	st, err := store.Open(ctx, cfg.DB.Path)
	if err != nil {
		return nil, nil, nil, err
	}

	cacheClient := cache.New(cache.Options{
		Addr:             cfg.Redis.Addr,
		Password:         cfg.Redis.Password,
		DB:               cfg.Redis.DB,
		BreakerThreshold: cfg.Redis.BreakerFailures,
		BreakerCooldown:  cfg.Redis.BreakerOpenFor,
	})

	sessions := state.New(cacheClient, st, state.Options{})
	engine := billing.New(st, sessions)

	closeAll := func() {
		cacheClient.Close()
		st.Close()
	}
	return engine, st, closeAll, nil
}

func parseUserID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q", arg)
	}
	return id, nil
}

func parseUSD(arg string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(arg)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid USD amount %q", arg)
	}
	return amount, nil
}

var adminSetBalanceCmd = &cobra.Command{
	Use:   "set-balance <user-id> <usd>",
	Short: "Set a user's balance to an exact amount",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		target, err := parseUSD(args[1])
		if err != nil {
			return err
		}

		engine, _, closeAll, err := openAdmin(ctx)
		if err != nil {
			return err
		}
		defer closeAll()

		op, err := engine.AdminAdjust(ctx, userID, target, adminReason)
		if err != nil {
			return err
		}
		color.Green("user %d: %s -> %s (op %d)", userID, op.BalanceBefore.StringFixed(6), op.BalanceAfter.StringFixed(6), op.ID)
		return nil
	},
}

var adminAddBalanceCmd = &cobra.Command{
	Use:   "add-balance <user-id> <usd>",
	Short: "Add to a user's balance (negative subtracts)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		delta, err := parseUSD(args[1])
		if err != nil {
			return err
		}

		engine, _, closeAll, err := openAdmin(ctx)
		if err != nil {
			return err
		}
		defer closeAll()

		op, err := engine.AddBalance(ctx, userID, delta, adminReason)
		if err != nil {
			return err
		}
		color.Green("user %d: %s -> %s (op %d)", userID, op.BalanceBefore.StringFixed(6), op.BalanceAfter.StringFixed(6), op.ID)
		return nil
	},
}

var adminRefundCmd = &cobra.Command{
	Use:   "refund <operation-id>",
	Short: "Reverse a stored balance operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		opID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid operation id %q", args[0])
		}

		engine, _, closeAll, err := openAdmin(ctx)
		if err != nil {
			return err
		}
		defer closeAll()

		op, err := engine.Refund(ctx, opID, adminReason)
		if err != nil {
			return err
		}
		color.Green("refunded op %d: user %d %s -> %s (op %d)", opID, op.UserID, op.BalanceBefore.StringFixed(6), op.BalanceAfter.StringFixed(6), op.ID)
		return nil
	},
}

var adminTopSpendersCmd = &cobra.Command{
	Use:   "top-spenders",
	Short: "List the biggest spenders over a recent window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		_, st, closeAll, err := openAdmin(ctx)
		if err != nil {
			return err
		}
		defer closeAll()

		since := time.Now().AddDate(0, 0, -topSpendersDays)
		spenders, err := st.TopSpenders(ctx, since, topSpendersLimit)
		if err != nil {
			return err
		}
		if len(spenders) == 0 {
			fmt.Println("No charges in the window.")
			return nil
		}

		fmt.Printf("Top spenders over the last %d day(s):\n\n", topSpendersDays)
		for i, sp := range spenders {
			fmt.Printf("%2d. user %-12d $%-12s %d charge(s)\n", i+1, sp.UserID, sp.Spent.StringFixed(4), sp.Charges)
		}
		return nil
	},
}

var adminInspectCmd = &cobra.Command{
	Use:   "inspect <user-id>",
	Short: "Show a user's balance and recent ledger rows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}

		_, st, closeAll, err := openAdmin(ctx)
		if err != nil {
			return err
		}
		defer closeAll()

		u, err := st.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		fmt.Printf("user %d  %s\n", u.ID, u.DisplayName)
		fmt.Printf("balance:  $%s\n", u.Balance.StringFixed(6))
		fmt.Printf("model:    %s\n", u.PreferredModel)
		fmt.Printf("premium:  %v\n\n", u.IsPremium)

		operations, err := st.UserOperations(ctx, userID, inspectOpsHistory)
		if err != nil {
			return err
		}
		for _, op := range operations {
			fmt.Printf("%s  %-13s %12s  %s -> %s  %s\n",
				op.CreatedAt.Format(time.RFC3339), op.Kind, op.Amount.StringFixed(6),
				op.BalanceBefore.StringFixed(6), op.BalanceAfter.StringFixed(6), op.Description)
		}
		return nil
	},
}

var adminSetMarginCmd = &cobra.Command{
	Use:   "set-margin <model-key> <factor>",
	Short: "Set the per-model charge margin factor",
	Long:  `Sets the multiplier applied to a model's provider cost when charging users. 1.0 passes cost through; 1.2 adds a 20% margin.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		factor, err := decimal.NewFromString(args[1])
		if err != nil || !factor.IsPositive() {
			return fmt.Errorf("invalid margin factor %q", args[1])
		}

		engine, _, closeAll, err := openAdmin(ctx)
		if err != nil {
			return err
		}
		defer closeAll()

		if err := engine.SetMargin(ctx, args[0], factor); err != nil {
			return err
		}
		color.Green("margin for %s set to %s", args[0], factor.String())
		return nil
	},
}
