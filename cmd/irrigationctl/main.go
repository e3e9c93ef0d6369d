// Command irrigationctl is the operator tool for an irrigation rig: it lists
// serial ports, talks to the board directly and drives a running daemon.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/banshee-data/zone-irrigation/internal/config"
	"github.com/banshee-data/zone-irrigation/internal/monitoring"
	"github.com/banshee-data/zone-irrigation/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "irrigationctl",
	Short: "Operate an irrigation rig",
	Long: `irrigationctl talks to the irrigation board over its serial link, or to a
running irrigationd over HTTP.

Every flag can also be set from the environment with the IRRIGATION_
prefix, e.g. IRRIGATION_ADDR=http://rig.local:8080.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		monitoring.SetVerbose(viper.GetBool("verbose"))
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Daemon JSON config to take serial settings from")
	flags.String("device", "", "Serial device (default: discover with --glob)")
	flags.String("glob", "", "Device glob used for discovery")
	flags.Int("baud", 0, "Baud rate")
	flags.String("addr", "http://localhost:8080", "Base URL of a running irrigationd")
	flags.Bool("verbose", false, "Log device debug frames and command traffic")

	viper.SetEnvPrefix("IRRIGATION")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
}

// loadConfig returns the daemon config named by --config, or defaults.
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		return &config.Config{}, nil
	}
	return config.Load(path)
}

// serialSettings resolves device, glob and baud from flags, environment and
// config, in that order.
func serialSettings() (device, glob string, baud int, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", "", 0, err
	}
	device = cfg.GetDevice()
	if v := viper.GetString("device"); v != "" {
		device = v
	}
	glob = cfg.GetDeviceGlob()
	if v := viper.GetString("glob"); v != "" {
		glob = v
	}
	baud = cfg.GetBaudRate()
	if v := viper.GetInt("baud"); v > 0 {
		baud = v
	}
	return device, glob, baud, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
