package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facebank/internal/config"
	"github.com/andresmejia3/facebank/internal/gallery"
	"github.com/andresmejia3/facebank/internal/store"
	"github.com/andresmejia3/facebank/internal/utils"
)

var migrateFrom string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy a gallery from another location into the configured storage",
	Long: `Loads the gallery found at --from (a facebank directory, including the legacy
matrix + names.json layout, or a postgres:// URL) and saves it to the configured storage.
Without --from the facebank directory is rewritten in place.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runMigrate(cmd.Context(), cfg, migrateFrom)
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateFrom, "from", "", "Source facebank directory or postgres:// URL (default: --facebank)")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(ctx context.Context, cfg *config.Config, from string) {
	n, dst, err := migrate(ctx, cfg, from)
	if err != nil {
		utils.Die("Migration failed", err, nil)
	}
	fmt.Printf("✅ Migrated %d rows to %s\n", n, dst)
}

func migrate(ctx context.Context, cfg *config.Config, from string) (int, string, error) {
	if from == "" {
		from = cfg.Facebank
	}
	src, releaseSrc, err := openStorageAt(ctx, from)
	if err != nil {
		return 0, "", err
	}
	defer releaseSrc()

	g, err := gallery.Load(ctx, src)
	if err != nil {
		return 0, "", err
	}

	dst, releaseDst, err := openStorage(ctx, cfg)
	if err != nil {
		return 0, "", err
	}
	defer releaseDst()

	if err := g.Save(ctx, dst); err != nil {
		return 0, "", err
	}
	return g.Len(), dst.Location(), nil
}

// openStorageAt opens a gallery by location: a postgres URL or a directory.
func openStorageAt(ctx context.Context, location string) (gallery.Storage, func(), error) {
	if strings.HasPrefix(location, "postgres://") || strings.HasPrefix(location, "postgresql://") {
		st, err := store.New(ctx, location)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return st, st.Close, nil
	}
	return &gallery.FileStorage{Dir: location}, func() {}, nil
}
