// Package commands implements the dpserve-admin verbs. Every command opens
// the admin database configured for the server, mutates or reads it, and
// exits; there is no long-running state.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dpserve/dpserve/internal/admindb"
	"github.com/dpserve/dpserve/internal/config"
)

var (
	ConfigPath string
	OutputJSON bool
)

// withDB opens the configured admin database, runs fn, and closes it.
func withDB(fn func(ctx context.Context, db admindb.AdminDatabase) error) error {
	ctx := context.Background()

	cfg, err := config.Load(ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	secrets, err := config.LoadSecrets("")
	if err != nil {
		return fmt.Errorf("load secrets: %w", err)
	}

	db, err := admindb.New(ctx, cfg.AdminDatabase, secrets)
	if err != nil {
		return fmt.Errorf("open admin database: %w", err)
	}
	defer func() { _ = db.Close(ctx) }()

	return fn(ctx, db)
}

func printResult(v any) error {
	if OutputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	fmt.Println(v)
	return nil
}
