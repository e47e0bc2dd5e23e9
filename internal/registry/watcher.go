package registry

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"agentos/internal/logging"
	"agentos/internal/types"
)

// debounceWindow collapses editor write bursts into one reload.
const debounceWindow = 250 * time.Millisecond

// Watcher reloads the registries when definition files change on disk.
// Events within the debounce window coalesce into a single Reload.
type Watcher struct {
	registries *Registries
	fsw        *fsnotify.Watcher
	debounce   time.Duration

	mu      sync.Mutex
	reloads int

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher starts watching the registry directories. Directories that do
// not exist yet are skipped. Stop must be called to release the watcher.
func NewWatcher(registries *Registries) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, types.Storef("failed to create file watcher: %v", err)
	}

	watched := 0
	for _, dir := range registries.Dirs() {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, types.Storef("failed to watch %s: %v", dir, err)
		}
		watched++
	}

	w := &Watcher{
		registries: registries,
		fsw:        fsw,
		debounce:   debounceWindow,
		done:       make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	logging.Registry("Watching %d registry directories for changes", watched)
	return w, nil
}

// Stop shuts the watcher down and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

// Reloads returns how many debounced reloads have run.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) run() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !relevantEvent(ev) {
				continue
			}
			logging.RegistryDebug("Registry change: %s %s", ev.Op, ev.Name)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.registries.Reload(); err != nil {
				logging.Get(logging.CategoryRegistry).Error("Registry reload failed: %v", err)
				continue
			}
			w.mu.Lock()
			w.reloads++
			w.mu.Unlock()
			logging.Registry("Registries reloaded after file change")

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryRegistry).Error("Registry watcher error: %v", err)
		}
	}
}

func relevantEvent(ev fsnotify.Event) bool {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return false
	}
	name := strings.ToLower(ev.Name)
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
