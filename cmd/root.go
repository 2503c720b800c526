package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facebank/internal/config"
	"github.com/andresmejia3/facebank/internal/logger"
)

var (
	// cfg is the effective configuration shared by subcommands
	cfg *config.Config
	// cfgFile is the --config path
	cfgFile   string
	logCloser io.Closer
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:          "facebank",
	Short:        "Face gallery builder and identifier",
	Long:         "Builds a gallery of known faces from <facebank>/<identity>/ image folders and names the faces found in new images.",
	Version:      Version, // This enables the --version flag
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		logCloser, err = logger.Init(cfg.Log)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "Config file (default: ./"+config.DefaultFile+" when present)")
	f.String("facebank", "data/facebank", "Facebank directory holding <identity>/ image folders and the gallery artifact")
	f.Float64P("threshold", "t", 1.5, "Squared-distance match threshold (lower is stricter)")
	f.Bool("tta", true, "Average each embedding with that of the mirrored face")
	f.String("device", "cpu", "Inference device (cpu|cuda)")
	f.String("detector", "worker", "Face detection backend (worker|center|none)")
	f.String("backend", "worker", "Embedding backend (worker|onnx)")
	f.String("storage", "file", "Gallery storage (file|postgres)")
	f.String("db-url", "", "PostgreSQL connection string for --storage postgres")
	f.Bool("legacy-layout", false, "Also write the two-file matrix + names.json layout")
	f.Int("face-limit", 10, "Maximum faces per image")
	f.Int("min-face-size", 30, "Minimum face size in pixels")
	f.IntP("workers", "w", 1, "Number of parallel model workers")
	f.String("log-level", "info", "Log level (debug|info|warn|error)")
}
