package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dpserve/dpserve/internal/admindb"
	"github.com/dpserve/dpserve/internal/models"
)

func NewUserCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users and their budgets",
	}
	cmd.AddCommand(newUserAddCommand())
	cmd.AddCommand(newUserDelCommand())
	cmd.AddCommand(newUserShowCommand())
	cmd.AddCommand(newUserListCommand())
	cmd.AddCommand(newUserGrantCommand())
	cmd.AddCommand(newUserRevokeCommand())
	cmd.AddCommand(newUserSetMayQueryCommand())
	return cmd
}

func newUserAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add <user>",
		Short: "Create a user with no grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, db admindb.AdminDatabase) error {
				if err := db.CreateUser(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("User %s created\n", args[0])
				return nil
			})
		},
	}
}

func newUserDelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "del <user>",
		Short: "Delete a user and all their grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, db admindb.AdminDatabase) error {
				if err := db.DeleteUser(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("User %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func newUserShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <user>",
		Short: "Show a user and their per-dataset budgets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, db admindb.AdminDatabase) error {
				user, err := db.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				if OutputJSON {
					return printResult(user)
				}
				fmt.Printf("User: %s (may_query=%t)\n", user.Name, user.MayQuery)
				for _, entry := range user.Datasets {
					remaining := entry.Remaining()
					fmt.Printf("  %s: initial (%g, %g), spent (%g, %g), remaining (%g, %g)\n",
						entry.DatasetName,
						entry.InitialEpsilon, entry.InitialDelta,
						entry.SpentEpsilon, entry.SpentDelta,
						remaining.Epsilon, remaining.Delta)
				}
				return nil
			})
		},
	}
}

func newUserListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, db admindb.AdminDatabase) error {
				users, err := db.ListUsers(ctx)
				if err != nil {
					return err
				}
				if OutputJSON {
					return printResult(users)
				}
				for _, user := range users {
					fmt.Printf("%s (may_query=%t, datasets=%d)\n",
						user.Name, user.MayQuery, len(user.Datasets))
				}
				return nil
			})
		},
	}
}

func newUserGrantCommand() *cobra.Command {
	var epsilon, delta float64
	cmd := &cobra.Command{
		Use:   "grant <user> <dataset>",
		Short: "Grant dataset access with an initial budget",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if epsilon <= 0 {
				return fmt.Errorf("--epsilon must be > 0")
			}
			if delta < 0 || delta >= 1 {
				return fmt.Errorf("--delta must be in [0, 1)")
			}
			return withDB(func(ctx context.Context, db admindb.AdminDatabase) error {
				initial := models.Cost{Epsilon: epsilon, Delta: delta}
				if err := db.GrantAccess(ctx, args[0], args[1], initial); err != nil {
					return err
				}
				fmt.Printf("Granted %s access to %s with budget (%g, %g)\n",
					args[0], args[1], epsilon, delta)
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&epsilon, "epsilon", 10.0, "initial epsilon budget")
	cmd.Flags().Float64Var(&delta, "delta", 0.004, "initial delta budget")
	return cmd
}

func newUserRevokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <user> <dataset>",
		Short: "Revoke dataset access",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, db admindb.AdminDatabase) error {
				if err := db.RevokeAccess(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s access to %s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func newUserSetMayQueryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-may-query <user> <true|false>",
		Short: "Enable or disable a user's query access",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			may, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("expected true or false, got %q", args[1])
			}
			return withDB(func(ctx context.Context, db admindb.AdminDatabase) error {
				if err := db.SetMayQuery(ctx, args[0], may); err != nil {
					return err
				}
				fmt.Printf("User %s may_query set to %t\n", args[0], may)
				return nil
			})
		},
	}
}
