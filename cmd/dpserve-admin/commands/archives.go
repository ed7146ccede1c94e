package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dpserve/dpserve/internal/admindb"
)

func NewArchivesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archives",
		Short: "Inspect the query archive",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <user> <dataset>",
		Short: "Show a user's archived queries on a dataset, oldest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, db admindb.AdminDatabase) error {
				archives, err := db.GetArchives(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if OutputJSON {
					return printResult(archives)
				}
				for _, a := range archives {
					fmt.Printf("%s  %s  %-14s  (%g, %g)  %s\n",
						a.SubmittedAt.Format("2006-01-02 15:04:05"),
						a.Library, a.Status,
						a.MeasuredCost.Epsilon, a.MeasuredCost.Delta,
						a.JobID)
				}
				return nil
			})
		},
	})
	return cmd
}
