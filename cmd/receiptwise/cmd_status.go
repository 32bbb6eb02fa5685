package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusJSON bool

// statusCmd reports authorization state and provider usage.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authorization state and API usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.Auth.CheckStatus()
		if err != nil {
			return err
		}

		type usage struct {
			Day   string `json:"day"`
			Used  int    `json:"used"`
			Quota int    `json:"quota"`
		}
		usageFor := func(provider string) usage {
			lim := cfg.Limits.For(provider)
			day, count, quota := a.Limits.Get(provider, lim.RPM, lim.RPD).Usage()
			return usage{Day: day, Used: count, Quota: quota}
		}
		report := map[string]any{
			"auth":         status,
			"gemini_usage": usageFor("gemini"),
			"qbo_usage":    usageFor("qbo"),
			"data_dir":     cfg.DataDir,
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		if status.Authorized {
			fmt.Printf("QuickBooks: authorized (realm %s)\n", status.RealmID)
			if status.AccessFresh {
				fmt.Printf("  access token fresh until %s\n", status.AccessStaleAt.Format("15:04:05 MST"))
			} else {
				fmt.Println("  access token stale; will refresh on next use")
			}
			fmt.Printf("  refresh token expires %s\n", status.RefreshExpires.Format("2006-01-02"))
		} else {
			fmt.Println("QuickBooks: not authorized (run `receiptwise auth`)")
		}
		g, q := usageFor("gemini"), usageFor("qbo")
		fmt.Printf("Gemini usage: %d/%d today (%s)\n", g.Used, g.Quota, g.Day)
		fmt.Printf("QuickBooks usage: %d/%d today (%s)\n", q.Used, q.Quota, q.Day)
		fmt.Printf("Data dir: %s\n", cfg.DataDir)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "machine-readable output")
}
