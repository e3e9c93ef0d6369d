package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/banshee-data/zone-irrigation/internal/serialport"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports and the one the daemon would open",
	Long: `List every serial port the system reports, with USB details where
available. The port matching the device glob that the daemon would open is
marked with an arrow.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		device, glob, _, err := serialSettings()
		if err != nil {
			return err
		}
		details, err := serialport.DescribePorts()
		if err != nil {
			return err
		}
		selected := device
		if selected == "" {
			selected, err = serialport.Select(glob, func() ([]string, error) {
				names := make([]string, 0, len(details))
				for _, d := range details {
					names = append(names, d.Name)
				}
				return names, nil
			})
			if err != nil && !errors.Is(err, serialport.ErrDeviceNotFound) {
				return err
			}
		}
		renderPorts(cmd.OutOrStdout(), details, selected)
		return nil
	},
}

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func renderPorts(w io.Writer, details []serialport.PortDetail, selected string) {
	if len(details) == 0 {
		fmt.Fprintln(w, "No serial ports found")
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("  %-16s %-10s %-14s %s", "PORT", "USB ID", "SERIAL", "PRODUCT")))
	for _, d := range details {
		usb := "-"
		if d.IsUSB && d.VID != "" {
			usb = d.VID + ":" + d.PID
		}
		line := fmt.Sprintf("%-16s %-10s %-14s %s", d.Name, usb, d.SerialNumber, d.Product)
		if d.Name == selected {
			fmt.Fprintln(w, selectedStyle.Render("→ "+line))
		} else {
			fmt.Fprintln(w, "  "+line)
		}
	}
	if selected == "" {
		fmt.Fprintln(w, dimStyle.Render("no port matches the device glob"))
	}
}

func init() {
	rootCmd.AddCommand(portsCmd)
}
