package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile   string
	buildVersion = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "conn-tracker",
	Short: "Connection tracker and multi-protocol packet filter",
	Long: `conn-tracker classifies every frame on an interface (or in a pcap file),
tracks TCP/UDP flows and ICMP conversations in bounded LRU tables, applies an
ordered table of up to 32 filter rules and aggregates diagnostic statistics.

Run 'conn-tracker run' against a live interface or 'conn-tracker replay <file>'
to process a capture offline.`,
	Version:       buildVersion,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
}
