package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type checkConfigOutput struct {
	Path           string `json:"path"`
	Timezone       string `json:"timezone"`
	RescanInterval string `json:"rescan_interval"`
	LateThreshold  string `json:"late_threshold"`
	Storage        string `json:"storage"`
	Primary        string `json:"primary"`
	Fallback       string `json:"fallback,omitempty"`
	API            string `json:"api,omitempty"`
}

// NewCheckConfigCommand validates a config file without starting anything.
func NewCheckConfigCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and print the resolved settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			sched, err := cfg.Scheduler.Resolve()
			if err != nil {
				return WrapExitError(ExitCommandError, "scheduler", err)
			}
			res := checkConfigOutput{
				Path:           opts.Config,
				Timezone:       sched.Location.String(),
				RescanInterval: sched.RescanInterval.String(),
				LateThreshold:  sched.LateThreshold.String(),
				Storage:        cfg.Storage.Driver,
				Primary:        cfg.Delivery.Primary,
				Fallback:       cfg.Delivery.Fallback,
			}
			if res.Path == "" {
				res.Path = "(defaults)"
			}
			if cfg.API.Enabled {
				res.API = cfg.API.Addr
			}
			return opts.out(cmd).Emit(res, func(w io.Writer) {
				fmt.Fprintf(w, "config\t%s\tok\n", res.Path)
				fmt.Fprintf(w, "timezone\t%s\n", res.Timezone)
				fmt.Fprintf(w, "rescan\t%s\n", res.RescanInterval)
				fmt.Fprintf(w, "late threshold\t%s\n", res.LateThreshold)
				fmt.Fprintf(w, "storage\t%s\n", res.Storage)
				fmt.Fprintf(w, "delivery\t%s\n", deliveryLabel(res.Primary, res.Fallback))
				if res.API != "" {
					fmt.Fprintf(w, "api\t%s\n", res.API)
				}
			})
		},
	}
}

func deliveryLabel(primary, fallback string) string {
	if fallback == "" {
		return primary
	}
	return primary + " -> " + fallback
}
