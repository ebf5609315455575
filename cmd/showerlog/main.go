package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "showerlog",
	Short: "Bluetooth shower monitor logger",
	Long: `Connects to a Bluetooth Low Energy shower monitor (KinetronSTFS) and logs
live values, completed showers and the stored shower history. Decoded records
can optionally be forwarded to an MQTT broker.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {

		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(channelsCmd)

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML configuration file")
	flags.Bool("debug", false, "enable debug logging (overrides log_level)")
	flags.String("name", "", "advertised name of remote peripheral (default KinetronSTFS)")
	flags.String("addr", "", "address of remote peripheral (MAC on Linux, UUID on OS X)")
	flags.String("channels", "", "path to channel metadata table (YAML)")
	flags.String("backend", "", "BLE backend (gatt, tinygo)")
}

// setup loads the configuration and applies command line overrides
func setup(cmd *cobra.Command) (*config, error) {
	flags := cmd.Flags()

	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"name":     &cfg.Device.Name,
		"addr":     &cfg.Device.Address,
		"channels": &cfg.Channels,
		"backend":  &cfg.Backend,
	}
	for name, target := range overrides {
		if !flags.Changed(name) {
			continue
		}
		if *target, err = flags.GetString(name); err != nil {
			return nil, err
		}
	}
	if debug, _ := flags.GetBool("debug"); debug {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// All arguments validated, don't show usage on runtime errors
	cmd.SilenceUsage = true

	return cfg, nil
}
