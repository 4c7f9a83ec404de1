package main

import (
	"fmt"

	"github.com/mouse256/alfen-mqtt/internal/adapter/config"
	"github.com/spf13/cobra"
)

type validateFlags struct {
	configPath  string
	devicesPath string
	rewrite     bool
}

func newValidateCmd() *cobra.Command {
	flags := &validateFlags{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the application and device configuration",
		Long: `Load the application config and the devices file, apply defaults and run
every validation rule without contacting any device or broker.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Path to config.yaml")
	cmd.Flags().StringVar(&flags.devicesPath, "devices", "", "Path to the devices file (overrides devices_config_path)")
	cmd.Flags().BoolVar(&flags.rewrite, "rewrite", false, "Write the devices file back in normalized form")

	return cmd
}

func runValidate(cmd *cobra.Command, flags *validateFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	path := cfg.DevicesConfigPath
	if flags.devicesPath != "" {
		path = flags.devicesPath
	}

	devices, err := config.LoadDevices(path)
	if err != nil {
		return err
	}

	points, enabled := 0, 0
	for _, d := range devices {
		points += len(d.Points())
		if d.Enabled {
			enabled++
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d devices (%d enabled), %d points\n", path, len(devices), enabled, points)

	if flags.rewrite {
		if err := config.SaveDevices(path, devices); err != nil {
			return fmt.Errorf("rewrite %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s rewritten\n", path)
	}
	return nil
}
