package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/a-laz/transactly/internal/config"
	"github.com/a-laz/transactly/internal/doctor"
)

func configCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show, read, and edit configuration",
	}
	cmd.AddCommand(configShowCmd(opts), configGetCmd(opts), configSetCmd(opts), configCheckCmd(opts))
	return cmd
}

func configShowCmd(opts *globalOpts) *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration (file, defaults, and environment)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if !reveal {
				cfg = cfg.Redacted()
			}
			raw, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(raw)
			return err
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print secrets unmasked")
	return cmd
}

func configGetCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Print one resolved setting, e.g. webhooks.interval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			v, err := cfg.Redacted().GetPath(args[0])
			if err != nil {
				return err
			}
			switch v.(type) {
			case map[string]any, []any:
				raw, err := yaml.Marshal(v)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(raw)
				return err
			default:
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			}
		},
	}
}

func configSetCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "set <path>=<value>",
		Short: "Write one setting into the config file; the file must still validate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.configPath == "" {
				return errors.New("--config is required for set")
			}
			path, value, ok := splitAssignment(args[0])
			if !ok {
				return fmt.Errorf("expected <path>=<value>, got %q", args[0])
			}
			if err := config.SetFileValue(opts.configPath, path, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "set %s in %s\n", path, opts.configPath)
			return nil
		},
	}
}

func configCheckCmd(opts *globalOpts) *cobra.Command {
	var (
		jsonOut bool
		connect bool
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration without starting anything",
		Long: `Load and validate configuration, then report deployment problems the
loader accepts: empty or short secrets, an open client API, lease and
timeout mismatches, and per-process backends on a shared database.

With --connect the database is opened (and its schema bootstrapped) and
redis is pinged when it backs rate limiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			d := doctor.New(cfg)
			res := d.Validate()
			if connect {
				d.Connect(cmd.Context(), res)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				s, err := doctor.FormatJSON(res)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, s)
			} else {
				fmt.Fprint(out, doctor.FormatHuman(res))
			}
			if !res.Valid {
				return errors.New("configuration invalid")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output the report as JSON")
	cmd.Flags().BoolVar(&connect, "connect", false, "also open the database and ping redis")
	return cmd
}

func splitAssignment(arg string) (string, string, bool) {
	for i := 0; i < len(arg); i++ {
		if arg[i] == '=' {
			if i == 0 {
				return "", "", false
			}
			return arg[:i], arg[i+1:], true
		}
	}
	return "", "", false
}
