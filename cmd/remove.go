package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facebank/internal/config"
	"github.com/andresmejia3/facebank/internal/utils"
)

var removeCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove every gallery row of a person",
	Long:  "Names are compared case- and accent-insensitively, so 'zoe' removes rows enrolled as 'Zoë'.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runRemove(cmd.Context(), cfg, args[0])
	},
}

func init() {
	rootCmd.AddCommand(removeCmd)
}

func runRemove(ctx context.Context, cfg *config.Config, name string) {
	st, release, err := openStorage(ctx, cfg)
	if err != nil {
		utils.Die("Failed to open gallery storage", err, nil)
	}
	defer release()

	g, err := loadGallery(ctx, st, false)
	if err != nil {
		utils.Die("Failed to load gallery", err, nil)
	}

	removed := g.Remove(name)
	if removed == 0 {
		utils.Die("Failed to remove identity", fmt.Errorf("no rows named %q", name), nil)
	}
	if err := g.Save(ctx, st); err != nil {
		utils.Die("Failed to save gallery", err, nil)
	}
	fmt.Printf("🗑️  Removed %d rows of '%s' (%d rows left)\n", removed, name, g.Len())
}
