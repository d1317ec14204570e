// Package cmd implements filesyncd's single command-line entry point.
//
// The teacher carries two divergent command trees (a plain cobra tree
// in internal/cmd, and a cobra+viper tree in cmd/linear-fuse/commands)
// left over from mid-refactor; only one is kept here, folding the
// viper env/flag overlay into the one surviving tree.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "filesyncd",
	Short: "Serve a git working tree for collaborative synchronization",
	Long:  `filesyncd mediates concurrent clients editing a shared git working tree over a websocket JSON protocol.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/filesyncd/config.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}
		viper.AddConfigPath(home + "/.config/filesyncd")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("FILESYNCD")
	viper.AutomaticEnv()

	viper.ReadInConfig()
}
