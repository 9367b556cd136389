package crypto

import (
	"context"
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Rotator installs new master key material.
type Rotator interface {
	RotateMasterKey(material []byte) (int, error)
}

// KeyFileWatcher rotates the master key whenever the key file changes on
// disk. The parent directory is watched so atomic replacements (rename over,
// Kubernetes secret symlink swaps) are seen.
type KeyFileWatcher struct {
	path     string
	source   *FileKeySource
	rotator  Rotator
	watcher  *fsnotify.Watcher
	logger   *logrus.Logger
	onRotate func(version int)

	mu      sync.Mutex
	current [sha256.Size]byte

	stop     chan struct{}
	stopOnce sync.Once
}

// NewKeyFileWatcher watches path. initial is the material already loaded so
// that an unchanged file does not trigger a rotation.
func NewKeyFileWatcher(path string, initial []byte, rotator Rotator, logger *logrus.Logger) (*KeyFileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	clean := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(clean)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch key directory: %w", err)
	}
	return &KeyFileWatcher{
		path:    clean,
		source:  &FileKeySource{Path: clean},
		rotator: rotator,
		watcher: watcher,
		logger:  logger,
		current: sha256.Sum256(initial),
		stop:    make(chan struct{}),
	}, nil
}

// OnRotate registers a callback invoked after each successful rotation.
func (w *KeyFileWatcher) OnRotate(fn func(version int)) {
	w.onRotate = fn
}

// Start processes file events until Stop is called.
func (w *KeyFileWatcher) Start() {
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if err := w.reload(); err != nil {
				w.logger.WithError(err).Error("Failed to rotate master key from file")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Key file watcher error")
		}
	}
}

func (w *KeyFileWatcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == w.path || filepath.Base(name) == "..data"
}

// reload reads the key file and rotates when its content changed.
func (w *KeyFileWatcher) reload() error {
	material, err := w.source.Load(context.Background())
	if err != nil {
		return err
	}
	sum := sha256.Sum256(material)

	w.mu.Lock()
	defer w.mu.Unlock()
	if sum == w.current {
		return nil
	}
	version, err := w.rotator.RotateMasterKey(material)
	if err != nil {
		return err
	}
	w.current = sum
	w.logger.WithField("key_version", version).Info("Master key file changed, rotated key")
	if w.onRotate != nil {
		w.onRotate(version)
	}
	return nil
}

// Stop ends the watch loop and releases the watcher.
func (w *KeyFileWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.watcher.Close()
	})
}
