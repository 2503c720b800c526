package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facebank/internal/config"
	"github.com/andresmejia3/facebank/internal/imaging"
	"github.com/andresmejia3/facebank/internal/utils"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Rebuild the gallery whenever identity folders change",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runWatch(cmd.Context(), cfg)
	},
}

func init() {
	watchCmd.Flags().Duration("debounce", 2*time.Second, "Quiet period before a rebuild starts")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(ctx context.Context, cfg *config.Config) {
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

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		eng.die("Failed to create watcher", err)
	}
	defer watcher.Close()

	if err := addWatchDirs(watcher, cfg.Facebank); err != nil {
		eng.die("Failed to watch facebank", err)
	}

	build := func() {
		res, err := rebuild(ctx, cfg, eng.embedder, st, false, nil)
		switch {
		case err != nil:
			log.WithError(err).Error("Rebuild failed")
		case res.Skipped:
			log.Debug("No image changed, rebuild skipped")
		default:
			log.WithFields(log.Fields{"identities": res.Stats.Identities, "images": res.Stats.Images}).Info("Gallery rebuilt")
		}
	}
	build()

	fmt.Fprintf(os.Stderr, "👀 Watching %s for changes...\n", cfg.Facebank)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addWatchDirs(watcher, event.Name); err != nil {
						log.WithError(err).Warn("Could not watch new directory")
					}
				}
			}
			if shouldIgnoreEvent(event) {
				continue
			}
			if !pending {
				timer.Reset(cfg.Watch.Debounce)
				pending = true
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("Watch error")
		case <-timer.C:
			pending = false
			build()
		}
	}
}

func addWatchDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
}

// shouldIgnoreEvent drops events that cannot change the gallery, including
// the writes of the gallery artifacts themselves.
func shouldIgnoreEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return true
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return true
	}
	// Removed or renamed directories have no extension to go by.
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && filepath.Ext(event.Name) == "" {
		return false
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			return false
		}
	}
	return !imaging.IsImagePath(event.Name)
}
