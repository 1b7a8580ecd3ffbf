package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/parleyhq/parley/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

func init() {
	configCmd.AddCommand(configShowCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  `Prints the configuration as resolved from the config file, environment variables, and defaults, with credentials redacted.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		redactSecrets(cfg)

		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}

		if path := config.ConfigFilePath(); path != "" {
			color.Cyan("# config file: %s", path)
		} else {
			color.Cyan("# no config file found, showing env and defaults")
		}
		fmt.Print(string(out))
		return nil
	},
}

func redactSecrets(cfg *config.Config) {
	mask := func(s *string) {
		if *s != "" {
			*s = "[redacted]"
		}
	}
	mask(&cfg.Telegram.Token)
	mask(&cfg.Telegram.PaymentsToken)
	mask(&cfg.Anthropic.APIKey)
	mask(&cfg.OpenAI.APIKey)
	mask(&cfg.Sandbox.APIKey)
	mask(&cfg.Redis.Password)
}
