// Command meterctl is the operator CLI for promptmeter: migrations, plan grants
// and guest counter maintenance.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kailas-cloud/promptmeter/internal/config"
)

var (
	envName string
	timeout time.Duration
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "meterctl",
	Short:         "Operate the promptmeter account and guest stores",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&envName, "env", "e", config.GetEnv(), "Config environment (local, dev, prod)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Operation timeout")

	grantPlanCmd.Flags().StringVar(&grantUser, "user", "", "User ID")
	grantPlanCmd.Flags().StringVar(&grantPlan, "plan", "", "Plan name (free, basic, pro, enterprise)")
	grantPlanCmd.Flags().StringVar(&grantCycle, "cycle", "monthly", "Billing cycle (monthly, yearly)")
	_ = grantPlanCmd.MarkFlagRequired("user")
	_ = grantPlanCmd.MarkFlagRequired("plan")

	showPlanCmd.Flags().StringVar(&showUser, "user", "", "User ID")
	_ = showPlanCmd.MarkFlagRequired("user")

	estimateCmd.Flags().StringVar(&estimateAction, "action", "generate", "Action type (generate, refine, browse)")
	estimateCmd.Flags().IntVar(&estimateLength, "length", 0, "Content length in characters")

	guestCmd.AddCommand(guestResetCmd)
	guestCmd.AddCommand(guestListCmd)

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(grantPlanCmd)
	rootCmd.AddCommand(showPlanCmd)
	rootCmd.AddCommand(pricingCmd)
	rootCmd.AddCommand(guestCmd)
	rootCmd.AddCommand(estimateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
