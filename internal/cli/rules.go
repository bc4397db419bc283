package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"openwhen/internal/client"
	"openwhen/internal/reconcile"
	"openwhen/internal/rule"
)

// NewRulesCommand groups the rule management subcommands.
func NewRulesCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rules",
		Aliases: []string{"rule"},
		Short:   "Manage reminder rules on a running daemon",
	}
	cmd.AddCommand(newRulesListCommand(opts))
	cmd.AddCommand(newRulesAddCommand(opts))
	cmd.AddCommand(newRulesEditCommand(opts))
	cmd.AddCommand(newRulesRemoveCommand(opts))
	cmd.AddCommand(newRulesOpenCommand(opts))
	cmd.AddCommand(newTimersCommand(opts))
	return cmd
}

func newRulesListCommand(opts *RootOptions) *cobra.Command {
	var order string
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List rules with their next fire time",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := reconcile.ParseOrder(order)
			if err != nil {
				return WrapExitError(ExitCommandError, "--order", err)
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			views, err := c.List(cmd.Context(), o)
			if err != nil {
				return apiError(err)
			}
			return opts.out(cmd).Emit(views, func(w io.Writer) { writeViews(w, views) })
		},
	}
	cmd.Flags().StringVar(&order, "order", "", "next|-next|runs|-runs|created|-created (default: stored order)")
	return cmd
}

func writeViews(w io.Writer, views []reconcile.View) {
	fmt.Fprintln(w, "ID\tGROUP\tSCHEDULE\tNEXT\tRUNS\tTARGET")
	for _, v := range views {
		next := "-"
		if !v.Next.IsZero() {
			next = v.Next.Format("2006-01-02 15:04")
		}
		if v.Expired {
			next = "expired"
		}
		runs := fmt.Sprint(v.Rule.RunCount)
		if v.Rule.StopAfter > 0 {
			runs += fmt.Sprintf("/%d", v.Rule.StopAfter)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(v.Rule.ID), shortID(v.Rule.GroupID), v.Schedule, next, runs, targetLabel(v.Rule.Target))
	}
}

func writeRules(w io.Writer, rules []rule.Rule) {
	fmt.Fprintln(w, "ID\tGROUP\tKIND\tTARGET")
	for _, r := range rules {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, shortID(r.GroupID), r.Kind, targetLabel(r.Target))
	}
}

func shortID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func targetLabel(t rule.Target) string {
	parts := make([]string, 0, 2)
	if t.Message != "" {
		parts = append(parts, t.Message)
	}
	if t.URL != "" {
		parts = append(parts, t.URL)
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func newRulesAddCommand(opts *RootOptions) *cobra.Command {
	var f draftFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a rule (several --url create a group)",
		Example: `  openwhen rules add --kind daily --at 08:30 --message "standup"
  openwhen rules add --kind weekly --days mon,thu --at 18:00 --url https://a --url https://b`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			drafts, err := f.drafts()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid rule", err)
			}
			return withClient(cmd.Context(), opts, func(ctx context.Context, c *client.Client) error {
				created, err := c.Add(ctx, drafts...)
				if err != nil {
					return apiError(err)
				}
				return opts.out(cmd).Emit(created, func(w io.Writer) { writeRules(w, created) })
			})
		},
	}
	f.bindSchedule(cmd.Flags())
	f.bindTarget(cmd.Flags())
	return cmd
}

func newRulesEditCommand(opts *RootOptions) *cobra.Command {
	var f draftFlags
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Replace a rule (or its whole group) with a new definition",
		Long: `Replace a rule with a new definition. When the rule belongs to a group the
whole group is replaced. New rules get fresh ids and start with zero runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			drafts, err := f.drafts()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid rule", err)
			}
			return withClient(cmd.Context(), opts, func(ctx context.Context, c *client.Client) error {
				replaced, err := c.Replace(ctx, args[0], drafts...)
				if err != nil {
					return apiError(err)
				}
				return opts.out(cmd).Emit(replaced, func(w io.Writer) { writeRules(w, replaced) })
			})
		},
	}
	f.bindSchedule(cmd.Flags())
	f.bindTarget(cmd.Flags())
	return cmd
}

func newRulesRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove", "cancel"},
		Short:   "Delete a rule (and the rest of its group)",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), opts, func(ctx context.Context, c *client.Client) error {
				removed, err := c.Cancel(ctx, args[0])
				if err != nil {
					return apiError(err)
				}
				return opts.out(cmd).Emit(map[string][]string{"removed": removed}, func(w io.Writer) {
					for _, id := range removed {
						fmt.Fprintf(w, "removed\t%s\n", id)
					}
				})
			})
		},
	}
}

func newRulesOpenCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "open <id>",
		Short: "Deliver a rule's unit now without changing its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), opts, func(ctx context.Context, c *client.Client) error {
				res, err := c.Open(ctx, args[0])
				if err != nil {
					return apiError(err)
				}
				return opts.out(cmd).Emit(res, func(w io.Writer) {
					fmt.Fprintf(w, "delivered via\t%s\n", res.Channel)
					if res.Fallback {
						fmt.Fprintln(w, "note\tprimary channel failed, used fallback")
					}
				})
			})
		},
	}
}

func newTimersCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "timers",
		Short: "Show registered timers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), opts, func(ctx context.Context, c *client.Client) error {
				entries, err := c.Timers(ctx)
				if err != nil {
					return apiError(err)
				}
				return opts.out(cmd).Emit(entries, func(w io.Writer) {
					fmt.Fprintln(w, "KEY\tWHEN")
					for _, e := range entries {
						fmt.Fprintf(w, "%s\t%s\n", e.Key, e.When.Format(time.RFC3339))
					}
				})
			})
		},
	}
}

func withClient(ctx context.Context, opts *RootOptions, fn func(context.Context, *client.Client) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := opts.client()
	if err != nil {
		return err
	}
	return fn(ctx, c)
}

// apiError maps client errors onto exit codes.
func apiError(err error) error {
	var se *client.StatusError
	if errors.As(err, &se) {
		return WrapExitError(ExitFailure, "daemon", err)
	}
	return WrapExitError(ExitCommandError, "daemon unreachable", err)
}
