package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facebank/internal/config"
	"github.com/andresmejia3/facebank/internal/gallery"
	"github.com/andresmejia3/facebank/internal/utils"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known identities in the gallery",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runList(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, cfg *config.Config) {
	st, release, err := openStorage(ctx, cfg)
	if err != nil {
		utils.Die("Failed to open gallery storage", err, nil)
	}
	defer release()

	g, err := loadGallery(ctx, st, false)
	if err != nil {
		utils.Die("Failed to list identities", err, nil)
	}
	printIdentities(os.Stdout, g.Snapshot())
}

func printIdentities(out io.Writer, snap *gallery.Snapshot) {
	ids := snap.Identities()
	if len(ids) == 0 {
		fmt.Fprintln(out, "No identities found in gallery.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tROWS\tPOSITIONS")
	fmt.Fprintln(w, "----\t----\t---------")
	for _, id := range ids {
		fmt.Fprintf(w, "%s\t%d\t%v\n", id.Name, len(id.Rows), id.Rows)
	}
	w.Flush()
	fmt.Fprintf(out, "\n%d identities, %d rows, dimension %d\n", len(ids), snap.Len(), snap.Dim())
}
