// Package fswatch reports changes beneath a directory as discrete events.
package fswatch

import (
	"os"
	"path/filepath"
	"strings"
	goSync "sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/linksync/pkg/errors"
)

var fs = afero.NewOsFs()

// Op describes the kind of change.
type Op int

const (
	// Add means a file or symlink was created.
	Add Op = iota + 1
	// AddDir means a directory was created.
	AddDir
	// Change means a file's contents changed.
	Change
	// Remove means a path was removed or renamed away.
	Remove
)

func (op Op) String() string {
	switch op {
	case Add:
		return "add"
	case AddDir:
		return "addDir"
	case Change:
		return "change"
	case Remove:
		return "remove"
	}
	return "unknown"
}

// Event is a single change beneath the watched root.
type Event struct {
	Op Op

	// Path is the absolute path that changed.
	Path string

	// Rel is Path relative to the watched root.
	Rel string
}

// Options configure which paths a Watcher reports.
type Options struct {
	// Depth is the deepest level of directories that are watched. Zero only
	// watches the root's direct entries, and a negative value is unbounded.
	Depth int

	// Ignore returns true for root-relative paths that shouldn't be watched
	// or reported.
	Ignore func(rel string) bool
}

// Watcher delivers events for changes that happen after it was created.
// Events for paths that existed beforehand are never sent.
type Watcher struct {
	// Events receives each change. It's closed after the watcher shuts down.
	Events chan Event

	root     string
	opts     Options
	notifier *fsnotify.Watcher

	closeOnce goSync.Once
	done      chan struct{}
}

// Watch starts watching `root`. Symlinks beneath it are never followed, so
// the watcher can't wander into other trees.
func Watch(root string, opts Options) (*Watcher, error) {
	fi, err := fs.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: root}
		}
		return nil, errors.WithContext(err, "stat")
	}
	if !fi.IsDir() {
		return nil, errors.New("%q is not a directory", root)
	}

	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	w := &Watcher{
		Events:   make(chan Event, 64),
		root:     root,
		opts:     opts,
		notifier: notifier,
		done:     make(chan struct{}),
	}

	if err := w.addTree(root, nil); err != nil {
		// Close the watcher so that we release the file handlers for the
		// previously added paths.
		if err := notifier.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
		return nil, errors.WithContext(err, "watch "+root)
	}

	go w.run()
	return w, nil
}

// Close stops the watcher. It's safe to call multiple times, and no events
// are delivered once it returns.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.notifier.Close()
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.Events)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.notifier.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.notifier.Errors:
			if !ok {
				return
			}
			log.WithError(err).WithField("root", w.root).Warn("File watcher error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	rel, ok := w.relative(event.Name)
	if !ok || !w.inDepth(rel) || w.ignored(rel) {
		return
	}

	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		fi, err := lstat(event.Name)
		if err != nil {
			// The path vanished before we could look at it. The removal will
			// arrive as its own event.
			return
		}

		if !fi.IsDir() {
			w.send(Event{Op: Add, Path: event.Name, Rel: rel})
			return
		}

		w.send(Event{Op: AddDir, Path: event.Name, Rel: rel})
		if w.watchesInside(rel) {
			// Anything created inside the directory before the watch was
			// registered would otherwise be missed.
			if err := w.addTree(event.Name, w.send); err != nil {
				log.WithError(err).WithField("path", event.Name).Warn(
					"Failed to watch new directory")
			}
		}
	case event.Op&fsnotify.Write == fsnotify.Write:
		w.send(Event{Op: Change, Path: event.Name, Rel: rel})
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.send(Event{Op: Remove, Path: event.Name, Rel: rel})
	}
}

func (w *Watcher) send(event Event) {
	select {
	case w.Events <- event:
	case <-w.done:
	}
}

// addTree registers watches for `dir` and every directory beneath it that's
// within the depth limit. If `found` is non-nil, it's called with an event
// for each entry beneath `dir`.
func (w *Watcher) addTree(dir string, found func(Event)) error {
	// afero.Walk uses Lstat, so symlinked directories aren't descended into.
	return afero.Walk(fs, dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errors.WithContext(err, "walk error")
		}

		rel, ok := w.relative(path)
		if !ok {
			return nil
		}

		if path != dir {
			if !w.inDepth(rel) || w.ignored(rel) {
				if fi.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			if found != nil {
				op := Add
				if fi.IsDir() {
					op = AddDir
				}
				found(Event{Op: op, Path: path, Rel: rel})
			}
		}

		if !fi.IsDir() {
			return nil
		}

		if !w.watchesInside(rel) {
			return filepath.SkipDir
		}
		if err := w.notifier.Add(path); err != nil {
			return errors.WithContext(err, "watch "+path)
		}
		return nil
	})
}

func (w *Watcher) relative(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// level returns how deep `rel` is. The root is at -1 and its direct entries
// are at 0.
func level(rel string) int {
	if rel == "." {
		return -1
	}
	return strings.Count(rel, string(filepath.Separator))
}

func (w *Watcher) inDepth(rel string) bool {
	return w.opts.Depth < 0 || level(rel) <= w.opts.Depth
}

// watchesInside returns whether the entries of the directory at `rel` should
// be reported.
func (w *Watcher) watchesInside(rel string) bool {
	return w.opts.Depth < 0 || level(rel)+1 <= w.opts.Depth
}

func (w *Watcher) ignored(rel string) bool {
	return rel != "." && w.opts.Ignore != nil && w.opts.Ignore(rel)
}

func lstat(path string) (os.FileInfo, error) {
	if lstater, ok := fs.(afero.Lstater); ok {
		fi, _, err := lstater.LstatIfPossible(path)
		return fi, err
	}
	return fs.Stat(path)
}
