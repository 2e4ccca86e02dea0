package tools

import (
	"net/url"
	"sync"

	"github.com/darkroomd/darkroom/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// URIPath extracts the filesystem path from a file:// URI.
func URIPath(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URI")
	}
	if parsed.Scheme != "file" {
		return "", errors.E(errors.KindValidation, "unsupported URI scheme %q", parsed.Scheme)
	}
	return parsed.Path, nil
}

// Watcher invalidates cached previews when a watched base image changes on
// disk. Watching is best effort; a file that cannot be watched simply
// renders fresh every time its cache entries are dropped elsewhere.
type Watcher struct {
	fs    *fsnotify.Watcher
	cache *PreviewCache
	log   zerolog.Logger
	done  chan struct{}

	mu   sync.Mutex
	uris map[string]string // filesystem path -> image URI
}

func NewWatcher(cache *PreviewCache, log zerolog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrapf(err, "could not start file watcher")
	}
	w := &Watcher{
		fs:    fs,
		cache: cache,
		log:   log,
		done:  make(chan struct{}),
		uris:  make(map[string]string),
	}
	go w.run()
	return w, nil
}

// Add registers one image URI for invalidation. Cache entries are keyed by
// URI while fsnotify reports paths, so the mapping is kept here.
func (w *Watcher) Add(uri string) error {
	path, err := URIPath(uri)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.uris[path] = uri
	w.mu.Unlock()
	if err := w.fs.Add(path); err != nil {
		return errors.Wrapf(err, "could not watch %s", path)
	}
	return nil
}

func (w *Watcher) uriFor(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	uri, ok := w.uris[path]
	return uri, ok
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) == 0 {
				continue
			}
			uri, ok := w.uriFor(event.Name)
			if !ok {
				continue
			}
			w.log.Debug().Str("path", event.Name).Str("op", event.Op.String()).
				Msg("base image changed, invalidating previews")
			w.cache.InvalidateURI(uri)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

// Close stops the watcher and waits for the event loop to drain.
func (w *Watcher) Close() error {
	err := w.fs.Close()
	<-w.done
	return err
}
