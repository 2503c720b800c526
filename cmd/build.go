package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facebank/internal/config"
	"github.com/andresmejia3/facebank/internal/embed"
	"github.com/andresmejia3/facebank/internal/gallery"
	"github.com/andresmejia3/facebank/internal/imaging"
	"github.com/andresmejia3/facebank/internal/utils"
)

// fingerprintFile records the image tree a gallery was built from.
const fingerprintFile = ".facebank.sum"

var buildForce bool

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the gallery from <facebank>/<identity>/ image folders",
	Long: `Embeds every image under <facebank>/<identity>/ and stores the mean embedding of each
identity. The build is skipped when no image changed since the last one (use --force).`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runBuild(cmd.Context(), cfg, buildForce)
	},
}

func init() {
	buildCmd.Flags().BoolVarP(&buildForce, "force", "f", false, "Rebuild even if no image changed")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(ctx context.Context, cfg *config.Config, force bool) {
	st, release, err := openStorage(ctx, cfg)
	if err != nil {
		utils.Die("Failed to open gallery storage", err, nil)
	}
	defer release()

	eng, err := openEngine(cfg)
	if err != nil {
		utils.Die("Failed to start embedding engine", err, nil)
	}
	defer eng.Close()

	res, err := rebuild(ctx, cfg, eng.embedder, st, force, os.Stderr)
	if err != nil {
		eng.die("Failed to build facebank", err)
	}
	if res.Skipped {
		fmt.Fprintln(os.Stderr, "✅ Facebank is up to date, nothing to build.")
		return
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Build Complete. %d identities from %d images saved to %s.\n",
		res.Stats.Identities, res.Stats.Images, st.Location())
	if res.Stats.SkippedImages > 0 || len(res.Stats.SkippedDirs) > 0 {
		fmt.Fprintf(os.Stderr, "⚠️  Skipped %d images and %d identities (%s)\n",
			res.Stats.SkippedImages, len(res.Stats.SkippedDirs), strings.Join(res.Stats.SkippedDirs, ", "))
	}
}

type rebuildResult struct {
	Skipped bool
	Stats   gallery.BuildStats
	Gallery *gallery.Gallery
}

// rebuild builds and saves the gallery unless the image tree and the settings
// that shape embeddings are unchanged since the last build.
func rebuild(ctx context.Context, cfg *config.Config, e *embed.Embedder, st gallery.Storage, force bool, progress io.Writer) (rebuildResult, error) {
	sum, err := buildFingerprint(cfg)
	if err != nil {
		return rebuildResult{}, err
	}
	sumPath := filepath.Join(cfg.Facebank, fingerprintFile)

	if !force {
		if prev, err := os.ReadFile(sumPath); err == nil && strings.TrimSpace(string(prev)) == sum {
			if _, err := gallery.Load(ctx, st); err == nil {
				return rebuildResult{Skipped: true}, nil
			}
		}
	}

	g, stats, err := gallery.Build(ctx, cfg.Facebank, e, gallery.BuildOptions{TTA: cfg.TTA, Progress: progress})
	if err != nil {
		return rebuildResult{}, err
	}
	if err := g.Save(ctx, st); err != nil {
		return rebuildResult{}, err
	}
	if err := renameio.WriteFile(sumPath, []byte(sum+"\n"), 0644); err != nil {
		log.WithError(err).Warn("Could not record build fingerprint")
	}
	return rebuildResult{Stats: stats, Gallery: g}, nil
}

func buildFingerprint(cfg *config.Config) (string, error) {
	tree, err := utils.FingerprintTree(cfg.Facebank, imaging.IsImagePath)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", cfg.Facebank, err)
	}
	return fmt.Sprintf("%s backend=%s detector=%s tta=%t face=%d", tree, cfg.Backend, cfg.Detector, cfg.TTA, cfg.FaceSize), nil
}
