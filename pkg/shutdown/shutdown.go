// Package shutdown runs registered teardown hooks when the process receives a
// termination signal.
//
// A single Registry is shared by every task in the process. When a signal
// arrives, every hook runs, even if earlier hooks fail or panic. Afterwards
// the process exits, unless one of the hooks reported that it recovered from
// the signal, in which case the Registry stops intercepting signals and the
// process keeps running with its previous signal handling.
package shutdown

import (
	"fmt"
	"os"
	"os/signal"
	goSync "sync"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// A Hook tears something down in response to `sig`. Returning
// `recovered=true` keeps the process alive.
type Hook func(sig os.Signal) (recovered bool, err error)

// Mocked for unit testing.
var (
	notify = signal.Notify
	stop   = signal.Stop
	exit   = os.Exit
)

type registration struct {
	id   int
	hook Hook
}

// Registry tracks the hooks to run on shutdown.
type Registry struct {
	signals []os.Signal

	lock      goSync.Mutex
	hooks     []registration
	nextID    int
	listening bool
	sigChan   chan os.Signal
	stopChan  chan struct{}
}

// NewRegistry creates a Registry that handles `signals`. If none are given,
// it handles SIGINT and SIGTERM.
func NewRegistry(signals ...os.Signal) *Registry {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	return &Registry{signals: signals}
}

// Register adds `hook` to the end of the hook list, and starts listening for
// signals if this is the first hook. The returned function removes the hook.
// It's safe to call from within a running hook.
func (r *Registry) Register(hook Hook) (unregister func()) {
	r.lock.Lock()
	defer r.lock.Unlock()

	id := r.nextID
	r.nextID++
	r.hooks = append(r.hooks, registration{id: id, hook: hook})
	if !r.listening {
		r.listenLocked()
	}

	var once goSync.Once
	return func() {
		once.Do(func() { r.unregister(id) })
	}
}

func (r *Registry) unregister(id int) {
	r.lock.Lock()
	for i, reg := range r.hooks {
		if reg.id == id {
			r.hooks = append(r.hooks[:i:i], r.hooks[i+1:]...)
			break
		}
	}
	empty := len(r.hooks) == 0
	r.lock.Unlock()

	// Nothing is left to tear down, so give signal handling back.
	if empty {
		r.stopListening()
	}
}

// Len returns the number of registered hooks.
func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.hooks)
}

func (r *Registry) listenLocked() {
	r.sigChan = make(chan os.Signal, 1)
	r.stopChan = make(chan struct{})
	r.listening = true
	notify(r.sigChan, r.signals...)

	sigChan, stopChan := r.sigChan, r.stopChan
	go func() {
		select {
		case sig := <-sigChan:
			r.Handle(sig)
		case <-stopChan:
		}
	}()
}

func (r *Registry) stopListening() {
	r.lock.Lock()
	defer r.lock.Unlock()

	if !r.listening {
		return
	}
	stop(r.sigChan)
	close(r.stopChan)
	r.listening = false
}

// Handle runs every registered hook in registration order, then either exits
// the process or, if any hook recovered, restores the previous signal
// handling. It returns whether the signal was recovered from.
func (r *Registry) Handle(sig os.Signal) (recovered bool) {
	// Copy the hooks so that hooks can unregister themselves, or register new
	// hooks, while we iterate.
	r.lock.Lock()
	hooks := append([]registration{}, r.hooks...)
	r.lock.Unlock()

	log.WithField("signal", sig).Debugf("Running %d shutdown hooks", len(hooks))
	for _, reg := range hooks {
		hookRecovered, err := runHook(reg.hook, sig)
		if err != nil {
			log.WithError(err).Error("Shutdown hook failed")
		}
		recovered = recovered || hookRecovered
	}

	r.stopListening()
	if recovered {
		log.WithField("signal", sig).Info("Recovered from shutdown signal")
		return true
	}

	exit(exitCode(sig))
	return false
}

func runHook(hook Hook, sig os.Signal) (recovered bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return hook(sig)
}

func exitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}
