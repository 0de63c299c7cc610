package main

import (
	"os"
	"strings"

	"github.com/bridgekit/relayer/pkg/relayerConfig"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "relayer",
	Short: "Relay bridge deposit events from the source chain to the destination",
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

var configFile string
var Config *relayerConfig.RelayerConfig

func init() {
	cobra.OnInitialize(initConfigIfPresent)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	rootCmd.PersistentFlags().Bool(relayerConfig.Debug, false, `"true" or "false"`)
	rootCmd.PersistentFlags().Lookup(relayerConfig.Debug)

	viper.SetEnvPrefix(relayerConfig.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(runCmd)
}

func initConfigIfPresent() {
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			panic(err)
		}
		config, err := relayerConfig.NewRelayerConfigFromYamlBytes(data)
		if err != nil {
			panic(err)
		}
		Config = config
	} else {
		Config = relayerConfig.NewRelayerConfig()
	}
}

func main() {
	Execute()
}
