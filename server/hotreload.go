package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

var errWatcherRunning = errors.New("hot reload already enabled")

// EnableHotReload watches root and every directory below it. A burst of
// changes triggers one Reload.
func (s *Server) EnableHotReload(root string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watchTree(watcher, root); err != nil {
		_ = watcher.Close()
		return err
	}

	s.mu.Lock()
	if s.watcher != nil {
		s.mu.Unlock()
		_ = watcher.Close()
		return errWatcherRunning
	}
	s.watcher = watcher
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watch(watcher)
	s.log.Info("hot reload enabled", "root", root)
	return nil
}

// watchTree adds dir and its subdirectories, skipping hidden ones.
func watchTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && (strings.HasPrefix(d.Name(), ".") || d.Name() == "node_modules") {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch '%s': %w", path, err)
		}
		return nil
	})
}

func (s *Server) watch(watcher *fsnotify.Watcher) {
	defer s.wg.Done()

	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var changed string
	for {
		select {
		case <-s.ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := watchTree(watcher, ev.Name); err != nil {
						s.log.Info("could not watch new directory", "path", ev.Name, "error", err.Error())
					}
				}
			}
			changed = ev.Name
			timer.Reset(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Error(err, "file watcher error")

		case <-timer.C:
			s.Reload("changed: " + changed)
		}
	}
}
