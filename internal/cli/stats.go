package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tickstream/internal/analysis"
	"tickstream/internal/storage"
)

var (
	statsWindow   time.Duration
	statsExchange string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report spread and slippage over persisted ticks",
	Long: `Reads the tick store and prints per-market spread, slippage, and
trade volume over the observation window.`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().DurationVar(&statsWindow, "window", 5*time.Minute, "observation window")
	statsCmd.Flags().StringVar(&statsExchange, "exchange", "", "limit to one exchange")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := storage.Open(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	exchanges := cfg.Exchanges
	if statsExchange != "" {
		exchanges = []string{statsExchange}
	}

	since := time.Now().UTC().Add(-statsWindow)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EXCHANGE\tMARKET\tSPREAD %\tSLIPPAGE %\tVOLUME")

	for _, exch := range exchanges {
		events, err := store.TicksSince(ctx, exch, since)
		if err != nil {
			return err
		}
		for _, s := range analysis.Aggregate(events) {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
				s.Exchange, s.Market, formatPct(s.Spread), formatPct(s.Slippage), s.Volume)
		}
	}

	return w.Flush()
}

func formatPct(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", *v)
}
