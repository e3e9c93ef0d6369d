package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/zone-irrigation/internal/provision"
	"github.com/banshee-data/zone-irrigation/internal/serialport"
)

var usbResetCmd = &cobra.Command{
	Use:   "usb-reset [device]",
	Short: "Reset the USB adapter behind the board's serial port",
	Long: `Run the configured USB reset command (provision.usb_reset_command,
default "sudo usbreset {usb}") against a device. Without an argument the
device the daemon would open is used.

The device re-enumerates afterwards and may come back under a new name.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		device, glob, _, err := serialSettings()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			device = args[0]
		}
		if device == "" {
			if device, err = serialport.Select(glob, nil); err != nil {
				return err
			}
		}

		r := &provision.CommandResetter{Argv: cfg.GetUSBResetCommand()}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := r.ResetUSB(ctx, device); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", device)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(usbResetCmd)
}
