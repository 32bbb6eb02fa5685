package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"receiptwise/internal/auth"
)

var authForce bool

// authCmd runs the QuickBooks OAuth authorization flow.
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authorize access to QuickBooks Online",
	Long: `Starts the OAuth 2.0 authorization flow: prints a URL to open in your
browser, waits for the redirect on the local callback port, and stores the
resulting tokens in the data directory.

With an existing valid authorization this is a no-op unless --force is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.QBO.ClientID == "" || cfg.QBO.ClientSecret == "" {
			return fmt.Errorf("QBO_CLIENT_ID and QBO_CLIENT_SECRET must be set (see .env.example)")
		}

		a, err := buildApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if !authForce {
			status, err := a.Auth.CheckStatus()
			if err == nil && status.Authorized {
				fmt.Printf("Already authorized for realm %s (refresh token valid until %s).\n",
					status.RealmID, status.RefreshExpires.Format("2006-01-02"))
				fmt.Println("Use --force to re-authorize.")
				return nil
			}
		}

		start, err := a.Auth.StartFlow(cfg.QBO.RedirectURL)
		if err != nil {
			return err
		}
		fmt.Println("Open the following URL in your browser to authorize:")
		fmt.Println()
		fmt.Println("  " + start.AuthURL)
		fmt.Println()
		fmt.Println("Waiting for the authorization callback...")

		cb, err := auth.WaitForCallback(cmd.Context(), start.State)
		if err != nil {
			return err
		}

		bundle, err := a.Auth.ExchangeCode(cmd.Context(), cb.Code, cfg.QBO.RedirectURL, cb.RealmID)
		if err != nil {
			return err
		}
		fmt.Printf("Authorized. Realm %s, access token valid for %ds.\n",
			bundle.RealmID, bundle.AccessLifetime)
		return nil
	},
}

func init() {
	authCmd.Flags().BoolVar(&authForce, "force", false, "re-authorize even if tokens exist")
}
