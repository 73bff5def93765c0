package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dronedispatch/internal/config"
	"dronedispatch/internal/repo/postgres"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Drone fleet dispatch and delivery tracking",
	Long:  `dispatch assigns ready orders to drones, follows each flight through drone telemetry and closes deliveries on proof of delivery.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch engine with its HTTP, gRPC and Thrift APIs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back the database schema",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWorker(cfgFile)
		if err != nil {
			return err
		}
		if len(args) == 1 && args[0] == "down" {
			return postgres.RunMigrationsDown(cfg.DatabaseURL)
		}
		return postgres.RunMigrationsUp(cfg.DatabaseURL)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars take precedence)")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
