package sync

import (
	"os"
	"path/filepath"
	goSync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/sidkik/linksync/pkg/errors"
	"github.com/sidkik/linksync/pkg/fswatch"
	"github.com/sidkik/linksync/pkg/manifest"
	"github.com/sidkik/linksync/pkg/shutdown"
	"github.com/sidkik/linksync/pkg/throttle"
)

// DefaultRebuildInterval is the minimum time between link farm rebuilds
// triggered by changes to the source's manifest.
const DefaultRebuildInterval = 100 * time.Millisecond

var errClosed = errors.New("task closed")

// Options configure a Task.
type Options struct {
	// Mode is how the mirror is built. Defaults to LinkMode.
	Mode Mode

	// Watch keeps the mirror in sync with the source until the task is
	// closed. Without it, the task closes as soon as the mirror is built,
	// and the mirror is left in place.
	Watch bool

	// RebuildInterval rate limits link farm rebuilds. Defaults to
	// DefaultRebuildInterval.
	RebuildInterval time.Duration

	// RestoreLink replaces the mirror with a plain symlink to the source when
	// the task is closed, which is how the package is installed when it isn't
	// being synced.
	RestoreLink bool

	// Shutdown, if set, closes the task when the process is signalled.
	Shutdown *shutdown.Registry

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// Task keeps the copy of a package installed in a consumer mirrored against
// the package's source.
type Task struct {
	log          logrus.FieldLogger
	consumerRoot string
	name         string
	sourcePath   string
	mirrorPath   string
	opts         Options

	// lock protects the fields below, and is held for every change to the
	// mirror. Once `closed` is set, the mirror must not be touched except by
	// the revert in Close.
	lock       goSync.Mutex
	closed     bool
	peerNames  map[string]struct{}
	exclusions manifest.Exclusions
	watchers   []*fswatch.Watcher

	// loopDone is closed when the event loop exits. It's nil if the loop
	// never started.
	loopDone chan struct{}

	rebuild    *throttle.Throttle[map[string]struct{}]
	unregister func()

	stop chan struct{}
	done chan struct{}
}

// Start mirrors the package `name`, whose source is at `sourcePath`, into
// the dependency directory of the consumer at `consumerRoot`. If
// `opts.Watch` is set, the returned Task keeps the mirror up to date until
// it's closed.
//
// Configuration errors are returned before the consumer is modified.
func Start(log logrus.FieldLogger, consumerRoot, name, sourcePath string,
	opts Options) (*Task, error) {

	t, err := newTask(log, consumerRoot, name, sourcePath, opts)
	if err != nil {
		return nil, err
	}

	peers, exclusions, err := manifest.ReadPeerNames(t.sourcePath)
	if err != nil {
		return nil, errors.WithContext(err, "read peer dependencies")
	}
	t.peerNames = peers
	t.exclusions = exclusions

	// Arm the shutdown hook before touching the consumer so that an
	// interrupt at any point still reverts.
	if opts.Watch && opts.Shutdown != nil {
		t.unregister = opts.Shutdown.Register(t.shutdownHook)
	}

	if err := t.setup(); err != nil {
		return nil, t.startFailed(err)
	}

	if !opts.Watch {
		t.finish()
		return t, nil
	}

	if err := t.startWatching(); err != nil {
		return nil, t.startFailed(errors.WithContext(err, "watch source"))
	}
	return t, nil
}

func newTask(log logrus.FieldLogger, consumerRoot, name, sourcePath string,
	opts Options) (*Task, error) {

	switch {
	case name == "":
		return nil, errors.MissingFieldError{Field: "dependency name"}
	case sourcePath == "":
		return nil, errors.MissingFieldError{Field: "source path"}
	case consumerRoot == "":
		return nil, errors.MissingFieldError{Field: "consumer root"}
	}

	consumerRoot, err := filepath.Abs(consumerRoot)
	if err != nil {
		return nil, errors.WithContext(err, "resolve consumer")
	}

	sourcePath, err = filepath.Abs(sourcePath)
	if err != nil {
		return nil, errors.WithContext(err, "resolve source")
	}

	// Watch the real source tree rather than a symlink to it.
	sourcePath, err = filepath.EvalSymlinks(sourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewFriendlyError(
				"The source of %q doesn't exist at %q.", name, sourcePath)
		}
		return nil, errors.WithContext(err, "resolve source")
	}

	if !isDir(sourcePath) {
		return nil, errors.NewFriendlyError(
			"The source of %q at %q is not a directory.", name, sourcePath)
	}

	if !manifest.IsPackage(consumerRoot) {
		return nil, errors.NewFriendlyError(
			"Cannot sync %q into %q since it has no %s.",
			name, consumerRoot, manifest.FileName)
	}

	if opts.Mode == "" {
		opts.Mode = LinkMode
	}
	if opts.RebuildInterval <= 0 {
		opts.RebuildInterval = DefaultRebuildInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	t := &Task{
		log: log.WithFields(logrus.Fields{
			"package":  name,
			"consumer": consumerRoot,
		}),
		consumerRoot: consumerRoot,
		name:         name,
		sourcePath:   sourcePath,
		mirrorPath:   filepath.Join(consumerRoot, manifest.DependencyDir, name),
		opts:         opts,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	t.rebuild = throttle.New(opts.Clock, opts.RebuildInterval, t.rebuildFromManifest)
	return t, nil
}

// setup builds the initial mirror and link farm.
func (t *Task) setup() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return errClosed
	}

	if err := buildMirror(t.log, t.sourcePath, t.mirrorPath, t.opts.Mode); err != nil {
		return errors.WithContext(err, "build mirror")
	}

	if err := rebuildLinkFarm(t.log, t.sourcePath, t.mirrorPath, t.peerNames); err != nil {
		t.log.WithError(err).Error("Failed to link dependencies. " +
			"They will be relinked when the package's manifest changes.")
	}

	t.log.WithField("mode", t.opts.Mode).Info("Mirrored package")
	return nil
}

// MirrorPath returns the path of the mirror within the consumer.
func (t *Task) MirrorPath() string {
	return t.mirrorPath
}

// SourcePath returns the resolved path of the package's source.
func (t *Task) SourcePath() string {
	return t.sourcePath
}

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Closed returns whether the task has stopped modifying the mirror.
func (t *Task) Closed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.closed
}

// RebuildLinkFarm rebuilds the mirror's dependency links with the current
// peer dependencies. It's a no-op once the task is closed.
func (t *Task) RebuildLinkFarm() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return nil
	}
	return rebuildLinkFarm(t.log, t.sourcePath, t.mirrorPath, t.peerNames)
}

func (t *Task) rebuildFromManifest(peers map[string]struct{}) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return
	}

	if err := rebuildLinkFarm(t.log, t.sourcePath, t.mirrorPath, peers); err != nil {
		t.log.WithError(err).Error("Failed to rebuild dependency links. " +
			"Will retry when the package's manifest next changes.")
		return
	}
	t.log.Info("Relinked dependencies")
}

// Close stops syncing and reverts the consumer: the mirror is removed, and
// replaced by a symlink to the source if RestoreLink is set. Calling Close
// more than once is a no-op. Non-watching tasks are closed as soon as they
// start, so closing them leaves the mirror in place.
func (t *Task) Close() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil
	}
	// Any change that's already in progress holds the lock, so once the flag
	// is set nothing else writes to the mirror.
	t.closed = true
	watchers := t.watchers
	loopDone := t.loopDone
	t.lock.Unlock()

	t.rebuild.Stop()
	for _, w := range watchers {
		if err := w.Close(); err != nil {
			t.log.WithError(err).Warn("Failed to close file watcher")
		}
	}
	close(t.stop)
	if loopDone != nil {
		<-loopDone
	}

	err := t.revert()
	if t.unregister != nil {
		t.unregister()
	}
	close(t.done)
	return err
}

func (t *Task) revert() error {
	if err := removePath(t.mirrorPath); err != nil {
		return errors.WithContext(err, "remove mirror")
	}

	if t.opts.RestoreLink {
		if err := linkRelative(t.sourcePath, t.mirrorPath); err != nil {
			return errors.WithContext(err, "restore link")
		}
	}

	t.log.Info("Reverted mirror")
	return nil
}

func (t *Task) shutdownHook(os.Signal) (bool, error) {
	return false, t.Close()
}

// finish closes a non-watching task without reverting the mirror.
func (t *Task) finish() {
	t.lock.Lock()
	t.closed = true
	t.lock.Unlock()

	t.rebuild.Stop()
	close(t.done)
}

// startFailed reverts the consumer after a failed start.
func (t *Task) startFailed(err error) error {
	if closeErr := t.Close(); closeErr != nil {
		t.log.WithError(closeErr).Warn("Failed to revert after failed start")
	}

	if errors.Is(err, errClosed) {
		return errors.NewFriendlyError(
			"Syncing %q was interrupted before it started.", t.name)
	}
	return err
}
