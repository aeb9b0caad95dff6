package commands

import (
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/shizukutanaka/orefleet/internal/claim"
	"github.com/shizukutanaka/orefleet/internal/fleet"
	"github.com/shizukutanaka/orefleet/internal/ledger"
)

// consoleReporter prints session progress for a human watching the terminal.
// Structured logs go to stderr; these lines go to stdout.
type consoleReporter struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsoleReporter(out io.Writer) *consoleReporter {
	return &consoleReporter{out: out}
}

func (r *consoleReporter) Start(sessionID string, initial ledger.Poll) {
	r.printf("Starting this mining session with %.6f ORE (session %s)\n", initial.Total, sessionID)
	if initial.Failed > 0 {
		r.printf("  %d identities could not be queried and count as zero\n", initial.Failed)
	}
}

func (r *consoleReporter) Progress(report ledger.Report) {
	r.printf(" --- %s\n", report)
}

func (r *consoleReporter) Launches(summary fleet.Summary) {
	line := fmt.Sprintf("Launched %s of %s workers", humanize.Comma(int64(summary.Launched)), humanize.Comma(int64(summary.Attempted)))
	if summary.Failed > 0 {
		line += fmt.Sprintf(", %d failed (display ids %v)", summary.Failed, summary.FailedIDs)
	}
	r.printf("%s\n", line)
}

func (r *consoleReporter) Summary(summary ledger.Summary) {
	r.printf("\n%s\n", summary)
}

func (r *consoleReporter) Claims(outcomes []claim.Outcome) {
	for _, o := range outcomes {
		switch o.State {
		case claim.StateConfirmed:
			r.printf("Claimed %.6f ORE for %s after %d attempt(s)\n", o.Amount, o.Identity.Name, o.Attempts)
		case claim.StateSkipped:
			r.printf("Nothing to claim for %s\n", o.Identity.Name)
		default:
			r.printf("Claim for %s interrupted after %d attempt(s)\n", o.Identity.Name, o.Attempts)
		}
	}
}

func (r *consoleReporter) printf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}
