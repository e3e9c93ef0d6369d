package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/banshee-data/zone-irrigation/internal/link"
	"github.com/banshee-data/zone-irrigation/internal/provision"
	"github.com/banshee-data/zone-irrigation/internal/serialport"
)

var sendCmd = &cobra.Command{
	Use:   "send <command>...",
	Short: "Send raw protocol commands to the board",
	Long: `Send one or more protocol commands through the full link: handshake,
stale-line draining and debug-frame filtering all apply, exactly as in the
daemon. Each response is printed on its own line.

Stop irrigationd first; the serial port cannot be shared.

Examples:
  irrigationctl send V          # which valves are open
  irrigationctl send W          # flow counter
  irrigationctl send 3 V        # toggle valve 3, then check`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLink()
		if err != nil {
			return err
		}
		defer l.Close()
		return sendCommands(cmd.OutOrStdout(), l, args)
	},
}

// openLink builds a link to the configured device. The USB reset is left
// to the usb-reset command so a bench session never resets on its own.
func openLink() (*link.Link, error) {
	device, glob, baud, err := serialSettings()
	if err != nil {
		return nil, err
	}
	transport := serialport.NewDeviceTransport(serialport.DeviceConfig{
		Path:    device,
		Glob:    glob,
		Options: serialport.PortOptions{BaudRate: baud},
	})
	return link.New(transport, link.Options{Resetter: provision.NopResetter{}}), nil
}

// sendCommands connects l and prints the response to each command.
func sendCommands(w io.Writer, l *link.Link, commands []string) error {
	if err := l.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	fmt.Fprintf(w, "connected to %s\n", l.Session().Device)
	for _, c := range commands {
		resp, err := l.Send(c)
		if err != nil {
			return fmt.Errorf("%s: %w", c, err)
		}
		fmt.Fprintf(w, "%s → %s\n", c, resp)
	}
	return nil
}

var buttonCmd = &cobra.Command{
	Use:   "button",
	Short: "Report whether the board's start button is pressed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLink()
		if err != nil {
			return err
		}
		defer l.Close()
		return checkButton(cmd.OutOrStdout(), l)
	},
}

func checkButton(w io.Writer, l *link.Link) error {
	if err := l.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	pressed, err := l.CheckStartButton()
	if err != nil {
		return err
	}
	if pressed {
		fmt.Fprintln(w, "start button pressed")
	} else {
		fmt.Fprintln(w, "start button released")
	}
	return nil
}

func init() {
	rootCmd.AddCommand(sendCmd, buttonCmd)
}
