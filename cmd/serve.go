package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facebank/internal/config"
	"github.com/andresmejia3/facebank/internal/recognize"
	"github.com/andresmejia3/facebank/internal/server"
	"github.com/andresmejia3/facebank/internal/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve identification and enrollment over HTTP",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runServe(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "Listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfg *config.Config) {
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

	srv := server.New(server.Deps{
		Recognizer: recognize.New(eng.embedder, g, recognizerOptions(cfg)),
		Gallery:    g,
		Embedder:   eng.embedder,
		Storage:    st,
		Logger:     log.StandardLogger(),
	}, cfg.Server)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Fprintf(os.Stderr, "🌐 Serving %d gallery rows on %s\n", g.Len(), cfg.Server.Addr)

	select {
	case err := <-errCh:
		if err != nil {
			eng.die("Server failed", err)
		}
	case <-ctx.Done():
		// The parent context is already cancelled, so drain on a fresh one.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Graceful shutdown failed")
		}
	}
}
