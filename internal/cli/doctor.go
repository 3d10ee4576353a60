package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/g960059/nomadflow/internal/config"
	"github.com/g960059/nomadflow/internal/integration"
)

var errDoctorFailed = errors.New("doctor found failing checks")

func (r *Runner) doctorCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check git, tmux, ttyd, the base directory and the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			result, err := integration.Doctor(cmd.Context(), integration.DoctorOptions{
				Config:   cfg,
				Executor: r.newExecutor(cfg),
			})
			if err != nil {
				return err
			}
			if jsonOut {
				if err := r.writeJSON(result); err != nil {
					return err
				}
			} else {
				for _, c := range result.Checks {
					line := fmt.Sprintf("[%s] %s: %s", c.Status, c.Name, c.Message)
					if c.Path != "" {
						line += " (" + c.Path + ")"
					}
					_, _ = fmt.Fprintln(r.out, line)
				}
			}
			if !result.OK {
				return errDoctorFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default config file if none exists",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			wrote, err := config.WriteDefault(cfg.ConfigPath, cfg)
			if err != nil {
				return err
			}
			if wrote {
				_, _ = fmt.Fprintf(r.out, "wrote %s\n", cfg.ConfigPath)
			} else {
				_, _ = fmt.Fprintf(r.out, "%s already exists\n", cfg.ConfigPath)
			}
			return nil
		},
	})
	return cmd
}
