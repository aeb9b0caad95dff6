package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/shizukutanaka/orefleet/internal/database"
	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recorded sessions, balances and claims",
	Long:  `Display recent sessions, the latest known balance of every identity and recent claims from the database.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("format", "table", "Output format (table, json, yaml)")
	statusCmd.Flags().Int("limit", 5, "Number of sessions and claims to show")
}

type statusReport struct {
	Sessions []database.SessionRecord `json:"sessions" yaml:"sessions"`
	Balances []database.BalanceRecord `json:"balances" yaml:"balances"`
	Claims   []database.ClaimRecord   `json:"claims" yaml:"claims"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	limit, _ := cmd.Flags().GetInt("limit")

	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	store, closeStore, err := rt.store()
	if err != nil {
		return err
	}
	defer closeStore()
	if store == nil {
		return errors.New("persistence is disabled (database.dsn is empty)")
	}

	ctx := cmd.Context()
	var report statusReport
	if report.Sessions, err = store.RecentSessions(ctx, limit); err != nil {
		return err
	}
	if report.Balances, err = store.LatestBalances(ctx); err != nil {
		return err
	}
	if report.Claims, err = store.RecentClaims(ctx, limit); err != nil {
		return err
	}

	return render(cmd.OutOrStdout(), format, report, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "SESSION\tSTARTED\tENDED\tGAIN\tRATE/MIN\tPOLLS")
		for _, s := range report.Sessions {
			ended := "running or aborted"
			if !s.Open() {
				ended = humanize.Time(s.EndedAt)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%.6f\t%.6f\t%s\n",
				s.ID, humanize.Time(s.StartedAt), ended, s.Gain, s.Rate, humanize.Comma(int64(s.Polls)))
		}

		fmt.Fprintln(w, "\nIDENTITY\tBALANCE\tSAMPLED")
		var total float64
		for _, b := range report.Balances {
			total += b.Amount
			fmt.Fprintf(w, "%s\t%.6f\t%s\n", b.Identity, b.Amount, humanize.Time(b.SampledAt))
		}
		fmt.Fprintf(w, "TOTAL\t%.6f\t\n", total)

		if len(report.Claims) > 0 {
			fmt.Fprintln(w, "\nCLAIM\tSTATE\tAMOUNT\tATTEMPTS\tWHEN")
			for _, c := range report.Claims {
				fmt.Fprintf(w, "%s\t%s\t%.6f\t%d\t%s\n",
					c.Identity, c.State, c.Amount, c.Attempts, humanize.Time(c.ClaimedAt))
			}
		}
	})
}
