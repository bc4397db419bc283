package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"openwhen/internal/client"
)

// NewRebuildCommand asks the daemon for a full reconciliation pass.
func NewRebuildCommand(opts *RootOptions) *cobra.Command {
	var suppressLate bool
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Re-run catch-up and rescheduling for every rule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), opts, func(ctx context.Context, c *client.Client) error {
				rep, err := c.Rebuild(ctx, suppressLate)
				if err != nil {
					return apiError(err)
				}
				if err := opts.out(cmd).Emit(rep, func(w io.Writer) {
					fmt.Fprintf(w, "rules\t%d\n", rep.Rules)
					fmt.Fprintf(w, "missed\t%d\n", rep.Missed)
					fmt.Fprintf(w, "caught up\t%d\n", rep.CaughtUp)
					fmt.Fprintf(w, "scheduled\t%d\n", rep.Scheduled)
					for _, f := range rep.Failures {
						fmt.Fprintf(w, "failure\t%s\n", f)
					}
				}); err != nil {
					return err
				}
				if len(rep.Failures) > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("%d rule(s) failed", len(rep.Failures)))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&suppressLate, "suppress-late", false, "skip delivering an occurrence that is already late")
	return cmd
}
