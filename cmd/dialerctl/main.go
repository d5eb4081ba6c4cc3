package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "dialerctl",
	Short: "Operator CLI for the campaign dialer",
	Long: `dialerctl talks to the dialer's operator API.

Campaigns move draft -> running -> paused -> running -> completed. The dialer
pauses a campaign on its own when the account runs out of credit; top up with
'dialerctl grant' (admin) and resume it.

Settings come from flags or DIALERCTL_* env vars (DIALERCTL_SERVER,
DIALERCTL_TOKEN, DIALERCTL_JSON).`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DIALERCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "dialer API base URL")
	rootCmd.PersistentFlags().String("token", "", "bearer access token")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Duration("timeout", 0, "request timeout (default 15s)")
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
}

func registerCommands(root *cobra.Command) {
	root.AddCommand(campaignsCmd())
	root.AddCommand(balanceCmd())
	root.AddCommand(grantCmd())
}

func newClient() *client {
	return newAPIClient(viper.GetString("server"), viper.GetString("token"), viper.GetDuration("timeout"))
}
