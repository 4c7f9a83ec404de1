// Package main is the entry point of the Modbus to MQTT bridge.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const serviceName = "alfen-mqtt"

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "bridge",
		Short: "Modbus-TCP to MQTT bridge",
		Long: `bridge polls Modbus-TCP devices, publishes their typed state to MQTT
with Home Assistant discovery and forwards MQTT and REST writes back to the devices.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
