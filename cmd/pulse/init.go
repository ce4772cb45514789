package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/flemzord/pulse/internal/config"
)

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Interactively generate a starter configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "pulse.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			opts := config.StarterOptions{
				Manager:       config.ManagerLocal,
				WebSocket:     true,
				Bind:          "127.0.0.1:8080",
				JWTSecretEnv:  "PULSE_JWT_SECRET",
				AdminTokenEnv: "PULSE_ADMIN_TOKEN",
			}
			if err := starterForm(&opts).Run(); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					return nil
				}
				return err
			}
			return writeStarter(path, opts)
		},
	}
	cmd.Flags().Bool("force", false, "Overwrite an existing file")
	return cmd
}

func starterForm(o *config.StarterOptions) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Coordination backend").
				Description("local runs a single instance; redis or nats share state across instances.").
				Options(huh.NewOptions(config.ManagerLocal, config.ManagerRedis, config.ManagerNATS)...).
				Value(&o.Manager),
			huh.NewInput().
				Title("Gateway bind address").
				Value(&o.Bind),
			huh.NewConfirm().
				Title("Use the websocket transport?").
				Description("No selects SSE streaming with POSTed frames.").
				Value(&o.WebSocket),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Coordination URL").
				Placeholder("redis://localhost:6379/0").
				Value(&o.URL).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("a url is required for a networked backend")
					}
					return nil
				}),
		).WithHideFunc(func() bool { return o.Manager == config.ManagerLocal }),
		huh.NewGroup(
			huh.NewInput().
				Title("Environment variable holding the JWT secret").
				Value(&o.JWTSecretEnv),
			huh.NewInput().
				Title("Environment variable holding the admin token").
				Description("Leave empty to disable the admin API.").
				Value(&o.AdminTokenEnv),
		),
	)
}

func writeStarter(path string, opts config.StarterOptions) error {
	out, err := config.Starter(opts)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
