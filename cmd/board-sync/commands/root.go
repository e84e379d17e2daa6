package commands

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"board-sync/config"
	"board-sync/printer"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "board-sync",
	Short: "Keep a project board in sync with your collaborators",
	Long: `board-sync follows one project board over the shared event bus.

It applies your collaborators' changes as they happen, shows who is online
and who is editing which task, and raises notifications for the changes
that matter to you.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, printer.Error("Could not load configuration", err.Error(), []string{
			"Check the file passed with --config",
			"Check the environment variables, e.g. RECONNECT_DELAY=2s",
		})
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	return cfg, nil
}
