package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kailas-cloud/promptmeter/internal/config"
	"github.com/kailas-cloud/promptmeter/internal/db/factory"
	"github.com/kailas-cloud/promptmeter/internal/domain/action"
	"github.com/kailas-cloud/promptmeter/internal/domain/plan"
	"github.com/kailas-cloud/promptmeter/internal/domain/usage"
	logpkg "github.com/kailas-cloud/promptmeter/internal/logger"
	"github.com/kailas-cloud/promptmeter/internal/repository/account"
	"github.com/kailas-cloud/promptmeter/internal/repository/guestusage"
	"github.com/kailas-cloud/promptmeter/internal/version"
)

var (
	grantUser, grantPlan, grantCycle string
	showUser                         string
	estimateAction                   string
	estimateLength                   int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply account store migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		accounts, err := account.New(ctx, cfg.Accounts.URL)
		if err != nil {
			return fmt.Errorf("connect account store: %w", err)
		}
		defer accounts.Close()

		if err := accounts.RunMigrations(ctx, logger); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

var grantPlanCmd = &cobra.Command{
	Use:   "grant-plan",
	Short: "Assign a catalog plan to a user, resetting usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		name, err := plan.ParseType(grantPlan)
		if err != nil {
			return err
		}
		cycle, err := plan.ParseCycle(grantCycle)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		accounts, err := account.New(ctx, cfg.Accounts.URL)
		if err != nil {
			return fmt.Errorf("connect account store: %w", err)
		}
		defer accounts.Close()

		catalog, err := accounts.PricingPlans(ctx)
		if err != nil {
			return err
		}
		target, ok := plan.FindPricing(catalog, name)
		if !ok {
			return fmt.Errorf("plan %q is not in the active catalog", name)
		}
		if err := accounts.GrantPlan(ctx, grantUser, target, cycle, time.Now().UTC()); err != nil {
			return err
		}

		logger.Info("Plan granted",
			zap.String("user_id", grantUser),
			zap.String("plan", string(target.Name)),
			zap.String("cycle", string(cycle)),
		)
		fmt.Fprintf(cmd.OutOrStdout(), "granted %s (%s, %d tokens) to %s\n",
			target.Name, cycle, target.TokensIncluded, grantUser)
		return nil
	},
}

var showPlanCmd = &cobra.Command{
	Use:   "show-plan",
	Short: "Show a user's active plan and recent usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		accounts, err := account.New(ctx, cfg.Accounts.URL)
		if err != nil {
			return fmt.Errorf("connect account store: %w", err)
		}
		defer accounts.Close()

		pr, err := accounts.ActivePlan(ctx, showUser)
		if err != nil {
			return err
		}
		recs, err := accounts.RecentUsage(ctx, showUser, usage.HistoryWindow)
		if err != nil {
			return err
		}

		printSummary(cmd, showUser, usage.Summarize(pr, recs, time.Now()))
		return nil
	},
}

var pricingCmd = &cobra.Command{
	Use:   "pricing",
	Short: "List the active pricing catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		accounts, err := account.New(ctx, cfg.Accounts.URL)
		if err != nil {
			return fmt.Errorf("connect account store: %w", err)
		}
		defer accounts.Close()

		plans, err := accounts.PricingPlans(ctx)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PLAN\tTOKENS\tMONTHLY\tYEARLY")
		for _, p := range plans {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
				p.Name, p.TokensIncluded, p.PriceMonthly.StringFixed(2), p.PriceYearly.StringFixed(2))
		}
		return tw.Flush()
	},
}

var guestCmd = &cobra.Command{
	Use:   "guest",
	Short: "Inspect and reset guest counters",
}

var guestResetCmd = &cobra.Command{
	Use:   "reset <visitor-id>...",
	Short: "Clear the counters of one or more visitors",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		guests, closeStore, err := openGuests(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		for _, id := range args {
			if err := guests.Reset(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", id)
		}
		return nil
	},
}

var guestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List visitors that hold guest counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		guests, closeStore, err := openGuests(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		ids, err := guests.Visitors(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Print the advisory token cost of an action",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := action.Parse(estimateAction)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tokens\n", a, action.EstimateTokens(a, estimateLength))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "meterctl", version.String())
	},
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, timeout)
}

// loadConfig loads .env and the environment's config.
func loadConfig() (config.Config, error) {
	_ = godotenv.Load()
	return config.Load(envName)
}

// setup loads the config and a logger.
func setup() (config.Config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logpkg.NewLogger(envName, cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func openGuests(ctx context.Context) (*guestusage.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	store, err := factory.New(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		store.Close()
		return nil, nil, err
	}
	return guestusage.New(store, cfg.Storage.KeyPrefix, cfg.GuestKeyTTL()), store.Close, nil
}

func printSummary(cmd *cobra.Command, userID string, s usage.Summary) {
	out := cmd.OutOrStdout()
	if !s.HasPlan {
		fmt.Fprintf(out, "%s has no active plan\n", userID)
		return
	}

	fmt.Fprintf(out, "user:       %s\n", userID)
	fmt.Fprintf(out, "plan:       %s (%s)\n", s.PlanType, s.BillingCycle)
	fmt.Fprintf(out, "tokens:     %d used / %d included, %d remaining (%.1f%%, %s)\n",
		s.TokensUsed, s.TokensIncluded, s.TokensRemaining, s.UsagePercent, s.Level)
	fmt.Fprintf(out, "this month: %d tokens\n", s.MonthTokens)

	if len(s.Recent) == 0 {
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tACTION\tTOKENS\tMODEL\tCOST")
	for _, r := range s.Recent {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			r.CreatedAt.UTC().Format(time.RFC3339), r.ActionType, r.TokensUsed, r.ModelUsed, r.CostUSD.StringFixed(6))
	}
	_ = tw.Flush()
}
