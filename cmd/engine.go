package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/andresmejia3/facebank/internal/config"
	"github.com/andresmejia3/facebank/internal/embed"
	"github.com/andresmejia3/facebank/internal/gallery"
	"github.com/andresmejia3/facebank/internal/onnx"
	"github.com/andresmejia3/facebank/internal/recognize"
	"github.com/andresmejia3/facebank/internal/store"
	"github.com/andresmejia3/facebank/internal/utils"
	"github.com/andresmejia3/facebank/internal/worker"
)

// engine is the embedding stack selected by the configuration.
type engine struct {
	embedder *embed.Embedder
	pool     *worker.Pool
	native   *onnx.Provider
}

func openEngine(cfg *config.Config) (*engine, error) {
	eng := &engine{}

	if cfg.Backend == "worker" || cfg.Detector == "worker" {
		fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", cfg.Worker.Count)
		pool, err := worker.NewPool(cfg.Worker.Count, worker.Options{
			Python:   cfg.Worker.Python,
			Script:   cfg.Worker.Script,
			Device:   cfg.Device,
			Detector: cfg.Worker.Detector,
			FaceSize: cfg.FaceSize,
			Timeout:  cfg.Worker.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("worker startup failed: %w", err)
		}
		eng.pool = pool
	}

	var provider embed.Provider = eng.pool
	if cfg.Backend == "onnx" {
		p, err := onnx.Open(cfg.ONNX.Model, cfg.FaceSize, cfg.Device)
		if err != nil {
			eng.Close()
			return nil, err
		}
		eng.native = p
		provider = p
	}

	var aligner embed.Aligner
	switch cfg.Detector {
	case "worker":
		aligner = eng.pool
	case "center":
		aligner = embed.CenterAligner{Size: cfg.FaceSize}
	}

	eng.embedder = embed.New(provider, aligner, embed.Config{FaceSize: cfg.FaceSize, Workers: cfg.Worker.Count})
	return eng, nil
}

func (e *engine) Close() error {
	var errs []error
	if e.pool != nil {
		errs = append(errs, e.pool.Close())
	}
	if e.native != nil {
		errs = append(errs, e.native.Close())
	}
	return errors.Join(errs...)
}

// die prints the error box with the logs of any worker that wrote to stderr, then exits.
func (e *engine) die(context string, err error) {
	if e != nil && e.pool != nil {
		for _, w := range e.pool.Workers() {
			if w.Cmd.Stderr.Len() > 0 {
				e.Close()
				utils.Die(context, err, w.Cmd)
			}
		}
	}
	if e != nil {
		e.Close()
	}
	utils.Die(context, err, nil)
}

// openStorage returns the configured gallery backend and a function releasing it.
func openStorage(ctx context.Context, cfg *config.Config) (gallery.Storage, func(), error) {
	switch cfg.Storage {
	case "postgres":
		st, err := store.New(ctx, cfg.DBURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return st, st.Close, nil
	default:
		return &gallery.FileStorage{Dir: cfg.Facebank, Legacy: cfg.LegacyLayout}, func() {}, nil
	}
}

// loadGallery reads the persisted gallery. With allowMissing an absent gallery
// yields an empty one instead of an error.
func loadGallery(ctx context.Context, st gallery.Storage, allowMissing bool) (*gallery.Gallery, error) {
	g, err := gallery.Load(ctx, st)
	if err == nil {
		return g, nil
	}
	if allowMissing && errors.Is(err, gallery.ErrNoGallery) {
		log.WithField("location", st.Location()).Info("No gallery yet, starting empty")
		return gallery.New(0), nil
	}
	if errors.Is(err, gallery.ErrNoGallery) {
		return nil, fmt.Errorf("%w (run `facebank build` first)", err)
	}
	return nil, err
}

func recognizerOptions(cfg *config.Config) recognize.Options {
	return recognize.Options{
		Threshold:   cfg.Threshold,
		TTA:         cfg.TTA,
		FaceLimit:   cfg.FaceLimit,
		MinFaceSize: cfg.MinFaceSize,
	}
}
