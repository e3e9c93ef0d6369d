package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/banshee-data/zone-irrigation/internal/irrigation"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// daemonClient talks to a running irrigationd.
type daemonClient struct {
	base   string
	client *http.Client
}

func newDaemonClient() *daemonClient {
	return &daemonClient{
		base:   strings.TrimRight(viper.GetString("addr"), "/"),
		client: httpClient,
	}
}

func (c *daemonClient) do(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *daemonClient) Status() (irrigation.Report, error) {
	var r irrigation.Report
	req, err := http.NewRequest(http.MethodGet, c.base+"/status", nil)
	if err != nil {
		return r, err
	}
	return r, c.do(req, &r)
}

func (c *daemonClient) Start(hours float64) error {
	form := url.Values{"hours": {strconv.FormatFloat(hours, 'f', -1, 64)}}
	req, err := http.NewRequest(http.MethodPost, c.base+"/start", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, nil)
}

func (c *daemonClient) Stop() (bool, error) {
	var resp struct {
		Stopped bool `json:"stopped"`
	}
	req, err := http.NewRequest(http.MethodPost, c.base+"/stop", nil)
	if err != nil {
		return false, err
	}
	err = c.do(req, &resp)
	return resp.Stopped, err
}

func printReport(w io.Writer, r irrigation.Report) {
	fmt.Fprintf(w, "%-8s %s", r.State, r.Message)
	if r.State == irrigation.StateRunning {
		fmt.Fprintf(w, " (%d%%)", r.Percent)
	}
	fmt.Fprintln(w)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's run status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newDaemonClient().Status()
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), r)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <hours>",
	Short: "Start a watering run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hours, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid hours %q: %w", args[0], err)
		}
		c := newDaemonClient()
		if err := c.Start(hours); err != nil {
			return err
		}
		r, err := c.Status()
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), r)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the current run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stopped, err := newDaemonClient().Stop()
		if err != nil {
			return err
		}
		if stopped {
			fmt.Fprintln(cmd.OutOrStdout(), "stopping; valves close once flow stops")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "no run was active")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, startCmd, stopCmd)
}
