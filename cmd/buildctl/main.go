// Command buildctl inspects and drives the build farm queue over its HTTP API.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "buildctl",
	Short: "Build farm queue control command",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		viper.SetConfigName("buildctl")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/buildfarm/")
		viper.AddConfigPath("$HOME/.config/buildfarm")
		viper.AddConfigPath(".")
		viper.ReadInConfig()

		viper.SetEnvPrefix("buildctl")
		viper.AutomaticEnv()

		config, err := ParseConfig()
		if err != nil {
			log.Fatal(err)
		}
		configData = *config
	},
}

var configData = ControlConfig{}

func main() {
	log.SetFlags(0)

	rootCmd.PersistentFlags().StringP("api-url", "a", "http://localhost:8080", "Build farm API URL")
	rootCmd.PersistentFlags().StringP("token", "t", "", "Bearer token (see gentoken)")
	rootCmd.PersistentFlags().Duration("timeout", 0, "Request deadline (default 30s)")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "Print raw JSON")
	viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
