package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "brokerctl",
	Short: "brokerctl is a command line tool for the application broker",
	Long: `brokerctl is the command-line interface for the application broker.

The broker accepts submissions for a named backend plugin (kubejobs, kubeapps,
chronos, sahara, docker), provisions the application, tracks it until it
finishes and releases what it created.

Common workflows:

  List enabled plugins:
    brokerctl plugins

  Submit an application and wait for it:
    brokerctl submit --plugin docker --file app.json --wait

  Check an application:
    brokerctl status <app-id>

  Stop it early:
    brokerctl terminate <app-id>

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    BROKER_URL      API endpoint (default: http://localhost:1500)
    BROKER_TOKEN    API token, when the broker requires one`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".brokerctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".brokerctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "BROKER_VARNAME"
	viper.SetEnvPrefix("BROKER")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func newClient() *BrokerClient {
	return NewBrokerClient(viper.GetString("url"), viper.GetString("token"))
}

// printAPIError reports a failed call the same way for every command.
func printAPIError(cmd *cobra.Command, action string, err error) {
	if apiErr, ok := err.(*APIError); ok {
		cmd.Printf("%s failed (%d): %s\n", action, apiErr.StatusCode, apiErr.Message)
		return
	}
	cmd.Printf("%s failed: %v\n", action, err)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.brokerctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:1500", "Broker URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API Token for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}
