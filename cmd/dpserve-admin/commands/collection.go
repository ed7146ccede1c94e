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

// collectionFile is the bulk-load shape: a full initial state for a
// deployment, users with grants plus the dataset catalog.
type collectionFile struct {
	Users    []models.User `yaml:"users"`
	Datasets []datasetFile `yaml:"datasets"`
}

func NewCollectionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collection",
		Short: "Bulk-load or drop admin collections",
	}
	cmd.AddCommand(newCollectionLoadCommand())
	cmd.AddCommand(newCollectionDropCommand())
	return cmd
}

func newCollectionLoadCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "load -f <file.yaml>",
		Short: "Load users and datasets from a yaml collection file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var collection collectionFile
			if err := yaml.Unmarshal(data, &collection); err != nil {
				return fmt.Errorf("decode %s: %w", file, err)
			}

			return withDB(func(ctx context.Context, db admindb.AdminDatabase) error {
				for i := range collection.Datasets {
					spec := &collection.Datasets[i]
					if spec.Metadata.DatasetName == "" {
						spec.Metadata.DatasetName = spec.Dataset.DatasetName
					}
					if err := spec.Dataset.Validate(); err != nil {
						return err
					}
					if err := spec.Metadata.Validate(); err != nil {
						return err
					}
					err := db.CreateDataset(ctx, &spec.Dataset, &spec.Metadata)
					if err != nil && err != admindb.ErrAlreadyExists {
						return err
					}
				}

				for _, user := range collection.Users {
					err := db.CreateUser(ctx, user.Name)
					if err != nil && err != admindb.ErrAlreadyExists {
						return err
					}
					if err := db.SetMayQuery(ctx, user.Name, user.MayQuery); err != nil {
						return err
					}
					for _, entry := range user.Datasets {
						err := db.GrantAccess(ctx, user.Name, entry.DatasetName, entry.Initial())
						if err != nil && err != admindb.ErrAlreadyExists {
							return err
						}
					}
				}

				fmt.Printf("Loaded %d datasets and %d users\n",
					len(collection.Datasets), len(collection.Users))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "yaml collection file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newCollectionDropCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "drop <users|datasets|metadata|queries_archives>",
		Short: "Drop an admin collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to drop %q without --yes", args[0])
			}
			return withDB(func(ctx context.Context, db admindb.AdminDatabase) error {
				if err := db.DropCollection(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Collection %s dropped\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the drop")
	return cmd
}
