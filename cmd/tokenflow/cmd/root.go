package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tokenflow",
	Short: "Run token based process definitions",
	Long: `tokenflow compiles process definitions written in YAML, starts instances
of them and drives every instance to a terminal status. Instances can be
persisted in sqlite or badger and resumed by another process.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initConfig()
	},
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ./tokenflow.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text",
		"log format (text, json)")
	rootCmd.PersistentFlags().String("store", "memory",
		"instance store (memory, sqlite, badger)")
	rootCmd.PersistentFlags().String("store-path", "",
		"sqlite file or badger directory; empty keeps the store in memory")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("store.driver", rootCmd.PersistentFlags().Lookup("store"))
	_ = viper.BindPFlag("store.path", rootCmd.PersistentFlags().Lookup("store-path"))
}

func initConfig() error {
	setDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("tokenflow")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/tokenflow")
	}

	viper.SetEnvPrefix("TOKENFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}
