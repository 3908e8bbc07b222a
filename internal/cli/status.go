package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/harun/wafleet/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the current status of the Wafleet daemon and its sessions.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type serverStats struct {
	Uptime       string         `json:"uptime"`
	SystemActive bool           `json:"systemActive"`
	Sessions     map[string]int `json:"sessions"`
	PushClients  int            `json:"pushClients"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pid, running := daemon.Running(cfg.PIDFile())
	if !running {
		fmt.Fprint(out, "Status: ")
		color.New(color.FgRed).Fprintln(out, "stopped")
		return nil
	}

	fmt.Fprint(out, "Status: ")
	color.New(color.FgGreen).Fprintln(out, "running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(cfg.PIDFile()); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	var stats serverStats
	if err := getJSON(cmd.Context(), gatewayURL(cfg), "/api/server-stats", nil, "", &stats); err != nil {
		color.New(color.FgYellow).Fprintf(out, "Gateway: %v\n", err)
		return nil
	}
	printStats(out, stats)
	return nil
}

func printStats(out io.Writer, stats serverStats) {
	if stats.SystemActive {
		fmt.Fprintln(out, "System: active")
	} else {
		color.New(color.FgYellow).Fprintln(out, "System: shut down by operator")
	}
	fmt.Fprintf(out, "Push clients: %d\n", stats.PushClients)

	states := make([]string, 0, len(stats.Sessions))
	for state := range stats.Sessions {
		states = append(states, state)
	}
	sort.Strings(states)
	for _, state := range states {
		fmt.Fprintf(out, "  %-14s %d\n", state, stats.Sessions[state])
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
