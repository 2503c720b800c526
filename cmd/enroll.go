package cmd

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facebank/internal/config"
	"github.com/andresmejia3/facebank/internal/embed"
	"github.com/andresmejia3/facebank/internal/gallery"
	"github.com/andresmejia3/facebank/internal/imaging"
	"github.com/andresmejia3/facebank/internal/match"
	"github.com/andresmejia3/facebank/internal/store"
	"github.com/andresmejia3/facebank/internal/types"
	"github.com/andresmejia3/facebank/internal/utils"
)

var (
	enrollReplace  bool
	enrollSaveFace bool
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <name> <image>",
	Short: "Add one photo of a person to the gallery",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		runEnroll(cmd.Context(), cfg, args[0], args[1])
	},
}

func init() {
	enrollCmd.Flags().BoolVar(&enrollReplace, "replace", false, "Remove existing rows with the same name first")
	enrollCmd.Flags().BoolVar(&enrollSaveFace, "save-face", false, "Also save the aligned face into <facebank>/<name>/ for later rebuilds")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(ctx context.Context, cfg *config.Config, name, path string) {
	img, err := imaging.Load(path)
	if err != nil {
		utils.Die("Failed to read image", err, nil)
	}

	st, release, err := openStorage(ctx, cfg)
	if err != nil {
		utils.Die("Failed to open gallery storage", err, nil)
	}
	defer release()

	g, err := loadGallery(ctx, st, true)
	if err != nil {
		utils.Die("Failed to load gallery", err, nil)
	}

	eng, err := openEngine(cfg)
	if err != nil {
		utils.Die("Failed to start embedding engine", err, nil)
	}
	defer eng.Close()

	prev := g.Snapshot()
	entry, replaced, err := enrollOne(ctx, g, eng.embedder, name, img, enrollReplace)
	if err != nil {
		eng.die("Failed to enroll "+name, err)
	}
	warnLookalike(ctx, st, prev, entry, cfg.Threshold)

	if err := g.Save(ctx, st); err != nil {
		eng.die("Failed to save gallery", err)
	}

	if enrollSaveFace {
		out, err := saveFace(ctx, cfg.Facebank, entry.Name, img, eng.embedder)
		if err != nil {
			log.WithError(err).Warn("Could not save aligned face")
		} else {
			fmt.Fprintf(os.Stderr, "📸 Saved aligned face to %s\n", out)
		}
	}

	if replaced > 0 {
		fmt.Printf("✅ Replaced %d rows of '%s' (%d rows in gallery)\n", replaced, entry.Name, g.Len())
		return
	}
	fmt.Printf("✅ Enrolled '%s' (%d rows in gallery)\n", entry.Name, g.Len())
}

func enrollOne(ctx context.Context, g *gallery.Gallery, e *embed.Embedder, name string, img image.Image, replace bool) (gallery.Entry, int, error) {
	if replace {
		return g.EnrollReplace(ctx, name, img, e)
	}
	entry, err := g.EnrollSingle(ctx, name, img, e)
	return entry, 0, err
}

// warnLookalike flags an enrollment whose face already matches someone else.
// Postgres galleries answer the lookup server-side.
func warnLookalike(ctx context.Context, st gallery.Storage, prev *gallery.Snapshot, entry gallery.Entry, threshold float64) {
	var name string
	var dist float64

	if db, ok := st.(*store.Store); ok {
		c, err := db.FindClosest(ctx, entry.Embedding, threshold)
		if err != nil {
			log.WithError(err).Debug("Lookalike check failed")
			return
		}
		if c.Position < 0 {
			return
		}
		name, dist = c.Name, c.Distance
	} else {
		res, err := match.Match([]types.Embedding{entry.Embedding}, prev, threshold)
		if err != nil || !res[0].Matched() {
			return
		}
		name, dist = res[0].Name, res[0].Distance
	}

	if !gallery.SameName(name, entry.Name) {
		log.WithFields(log.Fields{"identity": entry.Name, "lookalike": name, "distance": dist}).
			Warn("New face already matches another identity")
	}
}

// saveFace writes the aligned face into the identity's image folder.
func saveFace(ctx context.Context, root, name string, img image.Image, e *embed.Embedder) (string, error) {
	face, err := e.Prepare(ctx, img)
	if err != nil {
		return "", err
	}
	out := filepath.Join(root, name, "capture-"+time.Now().Format("20060102-150405.000")+".png")
	return out, imaging.SavePNG(out, face)
}
