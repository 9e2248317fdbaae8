package sync

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/sidkik/linksync/pkg/errors"
	"github.com/sidkik/linksync/pkg/fswatch"
	"github.com/sidkik/linksync/pkg/manifest"
)

// startWatching subscribes to changes in the source and starts the event
// loop that applies them to the mirror.
//
// Three watches are used:
//  1. The manifest, so that dependency links are rebuilt when the peer
//     dependencies change.
//  2. The package root, excluding its dependencies. In link mode, only the
//     top level is watched since deeper changes are visible through the
//     links.
//  3. In copy mode, the package's dependencies, excluding peers.
func (t *Task) startWatching() error {
	manifestWatcher, err := t.addWatcher(t.sourcePath, fswatch.Options{
		Depth:  0,
		Ignore: func(rel string) bool { return rel != manifest.FileName },
	})
	if err != nil {
		return errors.WithContext(err, "watch manifest")
	}

	rootOpts := fswatch.Options{
		Depth:  0,
		Ignore: func(rel string) bool { return rel == manifest.DependencyDir },
	}
	if t.opts.Mode == CopyMode {
		rootOpts = fswatch.Options{
			Depth: -1,
			Ignore: func(rel string) bool {
				return hasSegment(rel, manifest.DependencyDir)
			},
		}
	}
	rootWatcher, err := t.addWatcher(t.sourcePath, rootOpts)
	if err != nil {
		return errors.WithContext(err, "watch package")
	}

	var depEvents <-chan fswatch.Event
	sourceDeps := filepath.Join(t.sourcePath, manifest.DependencyDir)
	if t.opts.Mode == CopyMode && isDir(sourceDeps) {
		// The exclusions are fixed when the watch starts. Peers added later
		// are skipped by the handler instead.
		exclusions := t.exclusions
		depWatcher, err := t.addWatcher(sourceDeps, fswatch.Options{
			Depth: -1,
			Ignore: func(rel string) bool {
				return exclusions.Match(filepath.Join(manifest.DependencyDir, rel))
			},
		})
		if err != nil {
			return errors.WithContext(err, "watch dependencies")
		}
		depEvents = depWatcher.Events
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return errClosed
	}
	t.loopDone = make(chan struct{})
	go t.run(manifestWatcher.Events, rootWatcher.Events, depEvents, t.loopDone)
	return nil
}

func (t *Task) addWatcher(root string, opts fswatch.Options) (*fswatch.Watcher, error) {
	w, err := fswatch.Watch(root, opts)
	if err != nil {
		return nil, err
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		w.Close()
		return nil, errClosed
	}
	t.watchers = append(t.watchers, w)
	return w, nil
}

// run applies events one at a time until the task is closed.
func (t *Task) run(manifestEvents, rootEvents, depEvents <-chan fswatch.Event,
	loopDone chan struct{}) {

	defer close(loopDone)
	for {
		select {
		case <-t.stop:
			return
		case ev, ok := <-manifestEvents:
			if !ok {
				manifestEvents = nil
				continue
			}
			t.onManifestChange(ev)
		case ev, ok := <-rootEvents:
			if !ok {
				rootEvents = nil
				continue
			}
			t.onRootChange(ev)
		case ev, ok := <-depEvents:
			if !ok {
				depEvents = nil
				continue
			}
			t.onDependencyChange(ev)
		}
	}
}

func (t *Task) onManifestChange(ev fswatch.Event) {
	peers, exclusions, err := manifest.ReadPeerNames(t.sourcePath)
	if err != nil {
		t.log.WithError(err).Warn("Failed to read peer dependencies. " +
			"Will retry when the manifest next changes.")
		return
	}

	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return
	}
	t.peerNames = peers
	t.exclusions = exclusions
	t.lock.Unlock()

	t.log.WithField("op", ev.Op).Debug("Manifest changed")
	t.rebuild.Trigger(peers)
}

func (t *Task) onRootChange(ev fswatch.Event) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return
	}

	src := filepath.Join(t.sourcePath, ev.Rel)
	dst := filepath.Join(t.mirrorPath, ev.Rel)
	t.reconcile(ev, src, dst, t.opts.Mode)
}

func (t *Task) onDependencyChange(ev fswatch.Event) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed || isPeerPath(ev.Rel, t.peerNames) {
		return
	}

	src := filepath.Join(t.sourcePath, manifest.DependencyDir, ev.Rel)
	dst := filepath.Join(t.mirrorPath, manifest.DependencyDir, ev.Rel)
	t.reconcile(ev, src, dst, CopyMode)
}

// reconcile makes `dst` match the current state of `src`. The event's op is
// only used for logging: whatever order events arrive in, the mirror ends up
// matching the source.
func (t *Task) reconcile(ev fswatch.Event, src, dst string, mode Mode) {
	log := t.log.WithFields(logrus.Fields{
		"event":  ev.Op,
		"source": src,
		"target": dst,
	})

	fi, err := lstat(src)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("Failed to stat changed path")
			return
		}

		// The target may already be gone. For example, it may have been
		// removed along with its parent directory.
		if err := removePath(dst); err != nil {
			log.WithError(err).WithField("op", "remove").Warn("Failed to remove mirrored path")
			return
		}
		log.Debug("Removed")
		return
	}

	op := "copy"
	if mode == LinkMode {
		op = "link"
		err = linkRelative(src, dst)
	} else {
		err = copyEntry(src, dst, fi)
	}

	if err != nil {
		log.WithError(err).WithField("op", op).Warn(
			"Failed to mirror change. It will be retried when the path next changes.")
		return
	}
	log.Debug("Mirrored")
}
