package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "botgate",
	Short: "botgate is a webhook gateway for chat platform bots",
	Long: `botgate receives webhook deliveries from chat platforms (Slack, Messenger,
Telegram, Discord, Feishu, DingTalk), verifies them, keeps a session per
conversation enriched with user and channel data, and turns every delivery
into canonical events for bot logic.`,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}
