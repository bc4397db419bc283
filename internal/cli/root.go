// Package cli is the openwhen command line.
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"openwhen/internal/client"
	"openwhen/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config  string
	EnvFile string
	Addr    string
	Token   string
	Format  string // "text" | "json"
	Version string
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{Version: version}

	cmd := &cobra.Command{
		Use:           "openwhen",
		Short:         "openwhen - reminders that survive downtime",
		Long:          "A personal reminder scheduler. Missed occurrences are caught up in one consolidated delivery after downtime.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return loadEnv(opts.EnvFile)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.Config, "config", "c", "", "config file (.json, .yaml, .toml); empty uses defaults")
	pf.StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before anything else (missing is fine)")
	pf.StringVar(&opts.Addr, "addr", "", "daemon API address (default: api.addr from config)")
	pf.StringVar(&opts.Token, "token", "", "daemon API token (default: api.token from config or "+config.EnvAPIToken+")")
	pf.StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewPreviewCommand(opts))
	cmd.AddCommand(NewRulesCommand(opts))
	cmd.AddCommand(NewRebuildCommand(opts))
	cmd.AddCommand(NewCheckConfigCommand(opts))
	return cmd
}

func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return WrapExitError(ExitCommandError, "load "+path, err)
	}
	return nil
}

// loadConfig reads the config file, or defaults when none is given.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.NewManager(o.Config).Parse()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	return cfg, nil
}

// client builds an API client from flags, falling back to the config file.
func (o *RootOptions) client() (*client.Client, error) {
	addr, token := o.Addr, o.Token
	if addr == "" || token == "" {
		cfg := config.Default()
		if o.Config != "" {
			c, err := o.loadConfig()
			if err != nil {
				return nil, err
			}
			cfg = c
		} else {
			cfg.ApplyEnv()
		}
		if addr == "" {
			addr = cfg.API.Addr
		}
		if token == "" {
			token = cfg.API.Token
		}
	}
	c, err := client.New(addr, token)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "api client", err)
	}
	return c, nil
}

func (o *RootOptions) out(cmd *cobra.Command) *Printer {
	return &Printer{Format: o.Format, W: cmd.OutOrStdout()}
}
