package cli

import (
	"fmt"
	"net/url"
	"time"

	"github.com/harun/wafleet/pkg/session"
	"github.com/mdp/qrterminal"
	"github.com/spf13/cobra"
)

var qrCmd = &cobra.Command{
	Use:   "qr <identity>",
	Short: "Show the pending pairing QR of a session in the terminal",
	Long: `Fetch the current pairing artifact of a session from the running daemon
and render it in the terminal. Scan it from WhatsApp > Linked devices.`,
	Args: cobra.ExactArgs(1),
	RunE: runQR,
}

var pairCmd = &cobra.Command{
	Use:   "pair <identity>",
	Short: "Request a phone-number pairing code for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runPair,
}

func init() {
	rootCmd.AddCommand(qrCmd)
	rootCmd.AddCommand(pairCmd)
}

type qrResponse struct {
	QR        *string   `json:"qr"`
	Kind      string    `json:"kind"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func runQR(cmd *cobra.Command, args []string) error {
	identity := session.NormalizeIdentity(args[0])
	if identity == "" {
		return fmt.Errorf("invalid identity %q", args[0])
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var resp qrResponse
	if err := getJSON(cmd.Context(), gatewayURL(cfg), "/api/qr", url.Values{"id": {identity}}, "", &resp); err != nil {
		return err
	}
	return renderArtifact(cmd, identity, resp)
}

func renderArtifact(cmd *cobra.Command, identity string, resp qrResponse) error {
	out := cmd.OutOrStdout()
	if resp.QR == nil || *resp.QR == "" {
		return fmt.Errorf("no pairing pending for %s", identity)
	}

	if resp.Kind == "code" {
		fmt.Fprintf(out, "Pairing code for %s: %s\n", identity, *resp.QR)
	} else {
		qrterminal.GenerateHalfBlock(*resp.QR, qrterminal.L, out)
	}
	if !resp.ExpiresAt.IsZero() {
		remaining := time.Until(resp.ExpiresAt).Round(time.Second)
		if remaining < 0 {
			remaining = 0
		}
		fmt.Fprintf(out, "Expires in %s\n", remaining)
	}
	return nil
}

func runPair(cmd *cobra.Command, args []string) error {
	identity := session.NormalizeIdentity(args[0])
	if identity == "" {
		return fmt.Errorf("invalid identity %q", args[0])
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var resp struct {
		Code string `json:"code"`
	}
	if err := getJSON(cmd.Context(), gatewayURL(cfg), "/api/pair", url.Values{"id": {identity}}, "", &resp); err != nil {
		return err
	}
	cmd.Printf("Pairing code for %s: %s\n", identity, resp.Code)
	cmd.Println("Enter it on the phone under Linked devices > Link with phone number.")
	return nil
}
