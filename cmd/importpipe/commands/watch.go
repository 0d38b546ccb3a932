package commands

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/corelms/importpipe/errors"
	"github.com/corelms/importpipe/logger"
)

// WatchCmd imports archives dropped into a directory.
var WatchCmd = &cobra.Command{
	Use:   "watch <directory>",
	Short: "Auto-import archives dropped into a directory",
	Long: `Watch a directory and import every new .zip archive once it has
settled (no writes for the configured settle window), so half-copied
files are never submitted.

Runs until interrupted.

Example:
  importpipe watch /srv/lms/dropbox`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(cmd, args[0])
	},
}

func runWatch(cmd *cobra.Command, dir string) error {
	ctx := cmd.Context()

	s, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	settle := time.Duration(s.cfg.Watch.SettleMS) * time.Millisecond
	if settle <= 0 {
		settle = 2 * time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating directory watcher")
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watching %s", dir)
	}
	pterm.Info.Printfln("watching %s (settle %s)", dir, settle)

	var (
		mu      sync.Mutex
		pending = make(map[string]time.Time)
	)
	ticker := time.NewTicker(settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ".zip") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			mu.Lock()
			if _, known := pending[ev.Name]; !known {
				logger.Logger.Infow("new archive detected", "path", ev.Name)
			}
			pending[ev.Name] = time.Now()
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Logger.Warnw("watcher error", "error", err)

		case <-ticker.C:
			mu.Lock()
			var ready []string
			for path, last := range pending {
				if time.Since(last) >= settle {
					ready = append(ready, path)
					delete(pending, path)
				}
			}
			mu.Unlock()
			for _, path := range ready {
				pterm.Info.Printfln("importing %s", filepath.Base(path))
				if err := runImport(cmd, []string{path}, "", true); err != nil {
					pterm.Error.Printfln("import of %s failed: %v", filepath.Base(path), err)
				}
				if ctx.Err() != nil {
					return nil
				}
			}
		}
	}
}
