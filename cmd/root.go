package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/Manu343726/stubdbg/cmd/debug"
	"github.com/Manu343726/stubdbg/cmd/simulate"
	"github.com/Manu343726/stubdbg/cmd/tools"
	"github.com/Manu343726/stubdbg/cmd/window"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "stubdbg",
	Short: "Remote debugger for targets running a debug stub",
	Long: `stubdbg launches a target (a local process or a VMware virtual machine),
waits for the debug stub inside it to connect and drives the debug session:
breakpoints, stepping, assembly view and target state.

Settings are read from $HOME/.stubdbg.yaml (or --config), from STUBDBG_*
environment variables and from command line flags, in increasing priority.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := RootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.stubdbg.yaml)")
	RootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	RootCmd.PersistentFlags().String("log-file", "", "Also write JSON logs to this file")
	RootCmd.PersistentFlags().String("transport", "", "Debug stub address (host:port or socket path)")
	RootCmd.PersistentFlags().String("symbols", "", "Symbol database (default: image with .sdb extension)")
	cobra.CheckErr(viper.BindPFlag("log.level", RootCmd.PersistentFlags().Lookup("log-level")))
	cobra.CheckErr(viper.BindPFlag("log.file", RootCmd.PersistentFlags().Lookup("log-file")))
	cobra.CheckErr(viper.BindPFlag("transport.address", RootCmd.PersistentFlags().Lookup("transport")))
	cobra.CheckErr(viper.BindPFlag("symbols", RootCmd.PersistentFlags().Lookup("symbols")))

	RootCmd.AddCommand(debug.DebugCmd, simulate.SimulateCmd, window.WindowCmd, tools.ToolsCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".stubdbg" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".stubdbg")
	}

	viper.SetEnvPrefix("stubdbg")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
