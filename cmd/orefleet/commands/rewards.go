package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shizukutanaka/orefleet/internal/ledger"
	"github.com/spf13/cobra"
)

// rewardsCmd represents the rewards command
var rewardsCmd = &cobra.Command{
	Use:   "rewards",
	Short: "Show the claimable balance of every identity",
	RunE:  runRewards,
}

func init() {
	rootCmd.AddCommand(rewardsCmd)

	rewardsCmd.Flags().String("format", "table", "Output format (table, json, yaml)")
}

type rewardRow struct {
	Identity string  `json:"identity" yaml:"identity"`
	Path     string  `json:"path" yaml:"path"`
	Amount   float64 `json:"amount" yaml:"amount"`
	Error    string  `json:"error,omitempty" yaml:"error,omitempty"`
}

type rewardsReport struct {
	Identities []rewardRow `json:"identities" yaml:"identities"`
	Total      float64     `json:"total" yaml:"total"`
	Failed     int         `json:"failed" yaml:"failed"`
	At         time.Time   `json:"at" yaml:"at"`
}

func runRewards(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")

	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ids, err := rt.identities()
	if err != nil {
		return err
	}
	pool, err := rt.endpoints()
	if err != nil {
		return err
	}

	rewards := ledger.NewLedger(rt.logs.GetLogger("ledger"), rt.client(pool), nil)
	report := rewardsReport{At: time.Now()}
	for _, id := range ids {
		row := rewardRow{Identity: id.Name, Path: id.Path}
		amount, err := rewards.PollOne(cmd.Context(), id)
		switch {
		case errors.Is(err, ledger.ErrQueryFailed):
			row.Error = err.Error()
			report.Failed++
		case err != nil:
			return err
		default:
			row.Amount = amount
			report.Total += amount
		}
		report.Identities = append(report.Identities, row)
	}

	return render(cmd.OutOrStdout(), format, report, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "IDENTITY\tREWARDS\tNOTE")
		for _, row := range report.Identities {
			note := ""
			if row.Error != "" {
				note = "query failed"
			}
			fmt.Fprintf(w, "%s\t%.6f\t%s\n", row.Identity, row.Amount, note)
		}
		fmt.Fprintf(w, "TOTAL\t%.6f\t%s identities\n", report.Total, humanize.Comma(int64(len(ids))))
	})
}
