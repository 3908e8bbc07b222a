package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/harun/wafleet/pkg/session"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored sessions",
	Long:  `Inspect the session configs stored on disk. Works while the daemon is stopped.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <identity>",
	Short: "Show the config of one session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var showSecrets bool

func init() {
	sessionsShowCmd.Flags().BoolVar(&showSecrets, "show-access-key", false, "print the access code instead of masking it")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func openStore() (*session.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return session.NewStore(session.StoreOptions{Dir: cfg.SessionsDir})
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	keys, err := store.Keys()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(keys) == 0 {
		cmd.Println("No stored sessions.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tBOT NAME\tACTIVE\tACCESS CODE\tCREATED")
	for _, key := range keys {
		cfg := store.Load(key)
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
			key, cfg.BotName, cfg.IsActive, accessCodeState(cfg), cfg.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	key, err := session.KeyFromIdentity(args[0])
	if err != nil {
		return err
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	if !store.Exists(key) {
		return fmt.Errorf("session %s not found", key)
	}

	cfg := store.Load(key)
	if !showSecrets {
		cfg.AccessKey = accessCodeState(cfg)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	cmd.Printf("%s\n%s\n", key, data)
	return nil
}

func accessCodeState(cfg session.Config) string {
	if cfg.HasAccessCode() {
		return "set"
	}
	return "pending"
}
