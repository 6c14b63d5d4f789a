package commands

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dyluth/conduit/internal/printer"
	"github.com/dyluth/conduit/internal/scaffold"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init [DIR]",
	Short: "Write a starter conduit.yml and docker-compose.yml",
	Long: `Write a starter configuration into DIR (default: current directory).

Creates:
  • conduit.yml        - Broker, proxy and Redis settings
  • docker-compose.yml - Redis plus one gateway and one proxy container

Use --force to overwrite existing files.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite existing files")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}

	if err := scaffold.Initialize(dir, forceInit); err != nil {
		return printer.Error("initialization failed", err.Error(), []string{"Use --force to overwrite existing files"})
	}

	printer.Success("Initialized conduit in %s\n", dir)
	for _, name := range scaffold.Files {
		printer.Info("  ✓ %s\n", filepath.Join(dir, name))
	}
	printer.Info("\nNext steps:\n")
	printer.Info("  1. Export CONDUIT_TOKEN with your bot token\n")
	printer.Info("  2. Run 'docker compose up' or 'conduit gateway' and 'conduit proxy'\n")
	return nil
}
