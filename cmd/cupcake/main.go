package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cupcake/internal/config"
	"cupcake/internal/jobs"
	"cupcake/internal/profiles"
	logx "cupcake/pkg/logx"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile    string
	outputJSON bool

	rootCmd = &cobra.Command{
		Use:   "cupcake",
		Short: "Manage scheduled S3 backup jobs",
		Long: `cupcake manages backup jobs stored as cron.d entries, the AWS
profiles they use, and serves the web API and live state feed.`,
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "./config.json", "path to config file (json, yaml or toml)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print results as JSON")
	rootCmd.AddCommand(versionCmd, serveCmd, jobsCmd, profilesCmd)
}

// loadConfig reads the config file. A missing file is only tolerated when
// --config was left at its default, so the CLI works on a bare host.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) && !cmd.Flags().Changed("config") {
		return config.Default(), nil
	}
	return config.NewConfigManager(cfgFile).Parse()
}

func cliLogger(cfg *config.Config) logx.Logger {
	return logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "cli"))
}

func jobStore(cmd *cobra.Command) (*jobs.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return jobs.NewStore(cfg.Layout(), cliLogger(cfg)), nil
}

func profileStore(cmd *cobra.Command) (*profiles.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return profiles.NewStore(cfg.Profiles.CredentialsFile, cfg.Profiles.ConfigFile, cliLogger(cfg)), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
