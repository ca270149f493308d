package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/frahmantamala/credit-recovery/internal"
	"github.com/frahmantamala/credit-recovery/internal/core/datamodel/credit"
	"github.com/frahmantamala/credit-recovery/internal/reconciliation"
)

var (
	pendingOlderThan time.Duration
	pendingLimit     int
	pendingOutput    string
	debugOutput      string
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List PENDING payment intents older than a threshold",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkOutput(pendingOutput, "table", "json"); err != nil {
			return err
		}
		if pendingOlderThan < 0 {
			return fmt.Errorf("--older-than cannot be negative")
		}
		return withOperatorDeps(cmd, func(ctx context.Context, deps *Dependencies) error {
			intents, err := deps.Engine.ListPendingIntents(ctx, pendingOlderThan, pendingLimit)
			if err != nil {
				return err
			}
			return writePending(cmd.OutOrStdout(), pendingOutput, intents, pendingOlderThan, time.Now().UTC())
		})
	},
}

var processCmd = &cobra.Command{
	Use:   "process <reference>...",
	Short: "Reconcile one or more payment references",
	Long: `Verify each reference with the payment gateway and apply the credit at most once.
Exits 3 if any reference is still unresolved and 4 if any ended failed or expired.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOperatorDeps(cmd, func(ctx context.Context, deps *Dependencies) error {
			return processReferences(ctx, cmd.OutOrStdout(), deps.Engine, args)
		})
	},
}

var debugCmd = &cobra.Command{
	Use:   "debug <reference>",
	Short: "Print a diagnostic report for a payment reference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkOutput(debugOutput, "yaml", "json"); err != nil {
			return err
		}
		return withOperatorDeps(cmd, func(ctx context.Context, deps *Dependencies) error {
			report, err := deps.Engine.Debug(ctx, args[0])
			if err != nil {
				return err
			}
			return writeDocument(cmd.OutOrStdout(), debugOutput, report)
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count payment intents per status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOperatorDeps(cmd, func(ctx context.Context, deps *Dependencies) error {
			stats, err := deps.Engine.Stats(ctx)
			if err != nil {
				return err
			}
			writeStats(cmd.OutOrStdout(), stats)
			return nil
		})
	},
}

// withOperatorDeps runs fn with CLI-sourced context and logs on stderr, then drains events.
func withOperatorDeps(cmd *cobra.Command, fn func(ctx context.Context, deps *Dependencies) error) error {
	deps, err := initializeDependencies(cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		deps.Close(ctx)
	}()

	ctx := internal.ContextWithSource(cmd.Context(), internal.SourceCLI)
	return fn(ctx, deps)
}

// processReferences reconciles each reference in order. The exit code reflects the worst result:
// terminal beats unresolved.
func processReferences(ctx context.Context, out io.Writer, service reconciliation.ServiceAPI, references []string) error {
	var unresolved, terminal, failed int
	for _, ref := range references {
		outcome, err := service.Reconcile(ctx, ref)
		if err != nil {
			failed++
			fprintf(out, "%s: error: %v\n", ref, err)
			continue
		}
		fprintf(out, "%s\n", outcome.Summary())
		switch {
		case outcome.Terminal():
			terminal++
		case outcome.Retryable():
			unresolved++
		}
	}

	switch {
	case failed > 0:
		return fmt.Errorf("%d of %d reference(s) could not be reconciled", failed, len(references))
	case terminal > 0:
		return withExitCode(ExitTerminal, fmt.Errorf("%d reference(s) ended failed or expired", terminal))
	case unresolved > 0:
		return withExitCode(ExitUnresolved, errUnresolved(unresolved))
	}
	return nil
}

func errUnresolved(n int) error {
	return fmt.Errorf("%d reference(s) still unresolved, retry later", n)
}

func writePending(out io.Writer, format string, intents []*credit.PaymentIntent, olderThan time.Duration, now time.Time) error {
	if format == "json" {
		return writeDocument(out, "json", reconciliation.NewPendingListResponse(intents, olderThan, now))
	}

	if len(intents) == 0 {
		fprintf(out, "no pending intents older than %s\n", olderThan)
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fprintf(tw, "REFERENCE\tACCOUNT\tAMOUNT\tCURRENCY\tCREATED\tAGE\n")
	for _, intent := range intents {
		fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			intent.Reference, intent.AccountID, intent.Amount, intent.Currency,
			intent.CreatedAt.UTC().Format(time.RFC3339), intent.Age(now).Round(time.Second))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fprintf(out, "%d pending intent(s)\n", len(intents))
	return nil
}

func writeStats(out io.Writer, stats *reconciliation.Stats) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fprintf(tw, "STATUS\tCOUNT\n")
	for _, status := range credit.AllStatuses() {
		fprintf(tw, "%s\t%d\n", status, stats.Counts[status])
	}
	fprintf(tw, "TOTAL\t%d\n", stats.Total)
	_ = tw.Flush()
}

// writeDocument renders v as indented JSON or YAML. YAML goes through JSON first so
// raw gateway payloads come out as structured documents instead of byte lists.
func writeDocument(out io.Writer, format string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if format == "json" {
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return enc.Close()
}

func checkOutput(format string, allowed ...string) error {
	if slices.Contains(allowed, format) {
		return nil
	}
	return fmt.Errorf("unsupported --output %q, want one of %v", format, allowed)
}

func fprintf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

func init() {
	pendingCmd.Flags().DurationVar(&pendingOlderThan, "older-than", time.Hour, "only intents created more than this long ago")
	pendingCmd.Flags().IntVar(&pendingLimit, "limit", 0, "maximum number of intents to list (0 for all)")
	pendingCmd.Flags().StringVarP(&pendingOutput, "output", "o", "table", "output format: table or json")

	debugCmd.Flags().StringVarP(&debugOutput, "output", "o", "yaml", "output format: yaml or json")
}
