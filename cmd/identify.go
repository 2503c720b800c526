package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facebank/internal/config"
	"github.com/andresmejia3/facebank/internal/imaging"
	"github.com/andresmejia3/facebank/internal/match"
	"github.com/andresmejia3/facebank/internal/recognize"
	"github.com/andresmejia3/facebank/internal/types"
	"github.com/andresmejia3/facebank/internal/utils"
)

var identifyTop int

var identifyCmd = &cobra.Command{
	Use:   "identify <image>...",
	Short: "Name every face found in the given images",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runIdentify(cmd.Context(), cfg, args)
	},
}

func init() {
	identifyCmd.Flags().IntVarP(&identifyTop, "top", "k", 0, "Also list the k nearest gallery rows per face")
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(ctx context.Context, cfg *config.Config, paths []string) {
	st, release, err := openStorage(ctx, cfg)
	if err != nil {
		utils.Die("Failed to open gallery storage", err, nil)
	}
	defer release()

	g, err := loadGallery(ctx, st, false)
	if err != nil {
		utils.Die("Failed to load gallery", err, nil)
	}

	eng, err := openEngine(cfg)
	if err != nil {
		utils.Die("Failed to start embedding engine", err, nil)
	}
	defer eng.Close()

	r := recognize.New(eng.embedder, g, recognizerOptions(cfg))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "IMAGE\tFACE\tBOX\tNAME\tDISTANCE")
	fmt.Fprintln(w, "-----\t----\t---\t----\t--------")

	failed := 0
	for _, path := range paths {
		faces, err := identifyFile(ctx, r, path)
		if errors.Is(err, types.ErrNoFaceDetected) {
			fmt.Fprintf(w, "%s\t-\t-\t(no face)\t-\n", path)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				eng.die("Identification interrupted", err)
			}
			failed++
			log.WithField("image", path).WithError(err).Error("Identification failed")
			continue
		}
		if err := printFaces(w, r, path, faces, identifyTop); err != nil {
			eng.die("Failed to list candidates", err)
		}
	}
	w.Flush()

	if failed == len(paths) {
		eng.die("Identification failed", fmt.Errorf("none of the %d images could be processed", failed))
	}
}

func identifyFile(ctx context.Context, r *recognize.Recognizer, path string) ([]recognize.Face, error) {
	img, err := imaging.Load(path)
	if err != nil {
		return nil, err
	}
	return r.Identify(ctx, img)
}

// printFaces writes one table row per face, followed by its candidates when top > 0.
func printFaces(w io.Writer, r *recognize.Recognizer, path string, faces []recognize.Face, top int) error {
	for i, f := range faces {
		fmt.Fprintf(w, "%s\t%d\t%v\t%s\t%s\n", path, i, f.Box, f.Label(), formatDistance(f.Distance))
		if top <= 0 {
			continue
		}
		cands, err := r.Candidates(f, top)
		if err != nil {
			return err
		}
		for _, c := range cands {
			fmt.Fprintf(w, "\t\t\t  ~ %s\t%s (cos %.3f)\n", c.Name, formatDistance(c.Distance), match.CosineFromDistance(c.Distance))
		}
	}
	return nil
}

func formatDistance(d float64) string {
	if math.IsInf(d, 0) {
		return "-"
	}
	return fmt.Sprintf("%.4f", d)
}
