package server

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const debounceConfigRereadDuration = time.Second * 5

// RoutesStore persists the whole routing table. Save must be atomic: a
// concurrent reader of the backing file sees either the old or the new
// content, never a torn write.
type RoutesStore interface {
	Save(mappings map[string]Backend) error
}

var RoutesFileLoader = &routesFileLoader{}

type routesFileLoader struct {
	fileName string
}

// Load reads the routes file into the given table and attaches this loader
// as its store so every mutation is written back. A missing file is not an
// error; it will be created on the first mutation.
func (r *routesFileLoader) Load(routesFileName string, routes IRoutes) error {
	r.fileName = routesFileName

	logrus.WithField("routesFileName", r.fileName).Info("Loading routes file")

	mappings, readErr := r.readFile()

	if readErr != nil {
		if errors.Is(readErr, fs.ErrNotExist) {
			logrus.WithField("routesFileName", r.fileName).Info("Routes file does not exist yet, starting empty")
			routes.UseStore(r)
			return nil
		}
		return errors.Wrap(readErr, "Could not load the routes file")
	}

	routes.RegisterAll(mappings)
	routes.UseStore(r)
	return nil
}

// Reload re-reads the routes file, replacing the table contents.
func (r *routesFileLoader) Reload(routes IRoutes) error {
	mappings, readErr := r.readFile()

	if readErr != nil {
		return readErr
	}

	logrus.WithField("routesFileName", r.fileName).Info("Re-loading routes file")
	routes.Reset()
	routes.RegisterAll(mappings)

	return nil
}

// WatchForChanges re-reads the routes file when an external writer changes
// it, debounced so editors that write in bursts trigger one reload.
func (r *routesFileLoader) WatchForChanges(ctx context.Context, routes IRoutes) error {
	if r.fileName == "" {
		return errors.New("routes file needs to be loaded first")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "Could not create a watcher")
	}

	// Watch the directory rather than the file so atomic renames keep
	// being observed after the original inode is replaced.
	err = watcher.Add(filepath.Dir(r.fileName))
	if err != nil {
		return errors.Wrap(err, "Could not watch the routes file directory")
	}

	go func() {
		logrus.WithField("file", r.fileName).Info("Watching routes file")

		debounceTimerChan := make(<-chan time.Time)
		var debounceTimer *time.Timer

		//goland:noinspection GoUnhandledErrorResult
		defer watcher.Close()
		for {
			select {

			case event, ok := <-watcher.Events:
				if !ok {
					logrus.Debug("Watcher events channel closed")
					return
				}
				if event.Name != r.fileName {
					continue
				}
				logrus.
					WithField("file", event.Name).
					WithField("op", event.Op).
					Trace("fs event received")
				if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename) {
					if debounceTimer == nil {
						debounceTimer = time.NewTimer(debounceConfigRereadDuration)
					} else {
						debounceTimer.Reset(debounceConfigRereadDuration)
					}
					debounceTimerChan = debounceTimer.C
					logrus.WithField("delay", debounceConfigRereadDuration).Debug("Will re-read routes file after delay")
				}

			case <-debounceTimerChan:
				readErr := r.Reload(routes)
				if readErr != nil {
					logrus.
						WithError(readErr).
						WithField("routesFileName", r.fileName).
						Error("Could not re-read the routes file")
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Save implements RoutesStore with a same-directory temp file and rename so
// the visible file is always a complete table.
func (r *routesFileLoader) Save(mappings map[string]Backend) error {
	content, err := json.MarshalIndent(mappings, "", "  ")
	if err != nil {
		return errors.Wrap(err, "Could not marshal the routes to json")
	}

	dir := filepath.Dir(r.fileName)
	tmp, err := os.CreateTemp(dir, filepath.Base(r.fileName)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "Could not create temp routes file")
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "Could not write the temp routes file")
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "Could not close the temp routes file")
	}

	if err = os.Rename(tmpName, r.fileName); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "Could not replace the routes file")
	}

	return nil
}

func (r *routesFileLoader) readFile() (map[string]Backend, error) {
	content, err := os.ReadFile(r.fileName)
	if err != nil {
		return nil, errors.Wrap(err, "Could not read the routes file")
	}

	mappings := make(map[string]Backend)
	if parseErr := json.Unmarshal(content, &mappings); parseErr != nil {
		return nil, errors.Wrap(parseErr, "Could not parse the json routes file")
	}

	return mappings, nil
}
