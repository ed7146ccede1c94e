package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dpserve/dpserve/cmd/dpserve-admin/commands"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dpserve-admin",
		Short: "dpserve administration CLI",
		Long: `Manage the dpserve administration store: users and their per-dataset
privacy budgets, the dataset catalog with metadata, and the query archive.
Runs against the same admin database as the server (mongodb or yaml).`,
	}

	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "path to the config directory")
	rootCmd.PersistentFlags().BoolVar(&commands.OutputJSON, "json", false, "output in JSON format")

	rootCmd.AddCommand(commands.NewUserCommand())
	rootCmd.AddCommand(commands.NewDatasetCommand())
	rootCmd.AddCommand(commands.NewArchivesCommand())
	rootCmd.AddCommand(commands.NewCollectionCommand())

	return rootCmd
}
