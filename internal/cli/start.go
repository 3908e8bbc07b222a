package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/harun/wafleet/internal/daemon"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Wafleet daemon in the foreground",
	Long: `Start the Wafleet daemon in the foreground.
Stored sessions are resumed, the control gateway starts listening and the
process runs until SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if pid, running := daemon.Running(cfg.PIDFile()); running {
		return fmt.Errorf("daemon is already running (PID %d, file %s)", pid, cfg.PIDFile())
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen)
	green.Fprint(out, "▶ ")
	fmt.Fprintf(out, "Sessions: %s\n", cfg.SessionsDir)
	green.Fprint(out, "▶ ")
	fmt.Fprintf(out, "Gateway:  %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	d.Wait()
	return nil
}
