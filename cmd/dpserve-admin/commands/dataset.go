package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dpserve/dpserve/internal/admindb"
	"github.com/dpserve/dpserve/internal/models"
)

// datasetFile is the on-disk shape accepted by `dataset add`.
type datasetFile struct {
	Dataset  models.Dataset  `yaml:"dataset"`
	Metadata models.Metadata `yaml:"metadata"`
}

func NewDatasetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dataset",
		Short: "Manage the dataset catalog",
	}
	cmd.AddCommand(newDatasetAddCommand())
	cmd.AddCommand(newDatasetDelCommand())
	cmd.AddCommand(newDatasetShowCommand())
	cmd.AddCommand(newDatasetListCommand())
	return cmd
}

func newDatasetAddCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "add -f <file.yaml>",
		Short: "Register a dataset and its metadata from a yaml file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var spec datasetFile
			if err := yaml.Unmarshal(data, &spec); err != nil {
				return fmt.Errorf("decode %s: %w", file, err)
			}
			if spec.Metadata.DatasetName == "" {
				spec.Metadata.DatasetName = spec.Dataset.DatasetName
			}
			if err := spec.Dataset.Validate(); err != nil {
				return err
			}
			if err := spec.Metadata.Validate(); err != nil {
				return err
			}
			return withDB(func(ctx context.Context, db admindb.AdminDatabase) error {
				if err := db.CreateDataset(ctx, &spec.Dataset, &spec.Metadata); err != nil {
					return err
				}
				fmt.Printf("Dataset %s registered\n", spec.Dataset.DatasetName)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "yaml file with dataset and metadata")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newDatasetDelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "del <dataset>",
		Short: "Remove a dataset and its metadata from the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, db admindb.AdminDatabase) error {
				if err := db.DeleteDataset(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Dataset %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func newDatasetShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <dataset>",
		Short: "Show a dataset record and its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, db admindb.AdminDatabase) error {
				dataset, err := db.GetDataset(ctx, args[0])
				if err != nil {
					return err
				}
				meta, err := db.GetMetadata(ctx, args[0])
				if err != nil {
					return err
				}
				if OutputJSON {
					return printResult(map[string]any{
						"dataset":  dataset,
						"metadata": meta,
					})
				}
				fmt.Printf("Dataset: %s (%s)\n", dataset.DatasetName, dataset.AccessKind)
				fmt.Printf("  max_ids: %d, rows: %d\n", meta.MaxIDs, meta.Rows)
				for _, col := range meta.Columns {
					fmt.Printf("  %s: %s\n", col.Name, col.Type)
				}
				return nil
			})
		},
	}
}

func newDatasetListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all datasets in the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, db admindb.AdminDatabase) error {
				datasets, err := db.ListDatasets(ctx)
				if err != nil {
					return err
				}
				if OutputJSON {
					return printResult(datasets)
				}
				for _, dataset := range datasets {
					fmt.Printf("%s (%s)\n", dataset.DatasetName, dataset.AccessKind)
				}
				return nil
			})
		},
	}
}
