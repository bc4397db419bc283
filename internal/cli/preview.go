package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"openwhen/internal/occurrence"
	"openwhen/internal/rule"
)

type previewOutput struct {
	Schedule string      `json:"schedule"`
	Next     []time.Time `json:"next"`
}

// NewPreviewCommand prints upcoming fire times for a schedule without touching the daemon.
func NewPreviewCommand(opts *RootOptions) *cobra.Command {
	var (
		f     draftFlags
		count int
		from  string
	)
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Show the next fire times of a schedule",
		Example: `  openwhen preview --kind weekly --days mon,wed --at 07:30
  openwhen preview --kind monthly --day 31 --at 09:00 -n 6`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := f.schedule()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid schedule", err)
			}
			loc, err := f.location()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid schedule", err)
			}
			now := time.Now().In(loc)
			if from != "" {
				if now, err = parseWhen(from, loc); err != nil {
					return WrapExitError(ExitCommandError, "--from", err)
				}
			}
			r, err := rule.New(d, now)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid schedule", err)
			}
			res := previewOutput{Schedule: occurrence.Describe(r, now), Next: occurrence.Upcoming(r, now, count)}
			return opts.out(cmd).Emit(res, func(w io.Writer) {
				fmt.Fprintf(w, "schedule:\t%s\n", res.Schedule)
				if len(res.Next) == 0 {
					fmt.Fprintln(w, "no upcoming occurrences")
				}
				for i, t := range res.Next {
					fmt.Fprintf(w, "%d\t%s\t%s\n", i+1, t.Format("Mon 2006-01-02 15:04 MST"), humanDelta(t.Sub(now)))
				}
			})
		},
	}
	f.bindSchedule(cmd.Flags())
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of occurrences")
	cmd.Flags().StringVar(&from, "from", "", "compute from this instant instead of now")
	return cmd
}

func humanDelta(d time.Duration) string {
	if d < 0 {
		return "past"
	}
	d = d.Round(time.Minute)
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	if days > 0 {
		return fmt.Sprintf("in %dd%s", days, d)
	}
	return "in " + d.String()
}
