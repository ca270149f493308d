package cmd

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/credit-recovery/internal/reconciliation"
)

var seedCount int

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample data",
	Long:  `Seed the database with sample PENDING payment intents for development and testing purposes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if seedCount <= 0 {
			return fmt.Errorf("--count must be positive")
		}

		deps, err := initializeDependencies(cmd.ErrOrStderr(), true)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		defer deps.Close(ctx)

		currencies := []string{"NGN", "USD", "GHS"}
		for i := 0; i < seedCount; i++ {
			intent, err := deps.Engine.CreateIntent(ctx, reconciliation.CreateIntentRequest{
				AccountID: fmt.Sprintf("acct_%03d", i%10),
				Amount:    int64(500 + rand.IntN(50)*100),
				Currency:  currencies[i%len(currencies)],
			})
			if err != nil {
				return fmt.Errorf("failed to seed intent %d: %w", i+1, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded intent %s (%s %d %s)\n", intent.Reference, intent.AccountID, intent.Amount, intent.Currency)
		}
		return nil
	},
}

func init() {
	seedCmd.Flags().IntVar(&seedCount, "count", 10, "number of PENDING intents to create")
}
