package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facebank/internal/config"
	"github.com/andresmejia3/facebank/internal/store"
	"github.com/andresmejia3/facebank/internal/utils"
)

var (
	resetYes  bool
	resetDrop bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the persisted gallery",
	Long:  "Deletes the saved gallery (and the build fingerprint) so the next build starts from scratch. Identity image folders are kept.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runReset(cmd.Context(), cfg, bufio.NewReader(os.Stdin))
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	resetCmd.Flags().BoolVar(&resetDrop, "drop", false, "With postgres storage, DROP the gallery table instead of truncating it")
	rootCmd.AddCommand(resetCmd)
}

func runReset(ctx context.Context, cfg *config.Config, in *bufio.Reader) {
	st, release, err := openStorage(ctx, cfg)
	if err != nil {
		utils.Die("Failed to open gallery storage", err, nil)
	}
	defer release()

	if !resetYes && !confirm(in, os.Stdout, fmt.Sprintf("⚠️  Are you sure you want to delete the gallery at %s?", st.Location())) {
		fmt.Println("Aborted.")
		return
	}

	fmt.Println("🗑️  Clearing Gallery...")
	if db, ok := st.(*store.Store); ok && resetDrop {
		err = db.Reset(ctx)
	} else {
		err = st.Clear(ctx)
	}
	if err != nil {
		utils.Die("Failed to reset gallery", err, nil)
	}
	removeFile(filepath.Join(cfg.Facebank, fingerprintFile))

	fmt.Println("✨ Gallery Reset Complete.")
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
